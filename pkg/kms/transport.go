package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/loykin/kmsconverge/internal/util"
	"github.com/loykin/kmsconverge/pkg/command"
	"github.com/loykin/kmsconverge/pkg/extract"
	"golang.org/x/oauth2"
)

// AuthMode selects how a request authenticates to the KMS.
type AuthMode string

const (
	// AuthDefault on a Request inherits Client.Auth.
	AuthDefault    AuthMode = ""
	AuthJWT        AuthMode = "jwt"
	AuthMemberCert AuthMode = "member_cert"
	// AuthDisabled sends no credentials.
	AuthDisabled   AuthMode = "none"
)

// Request is one endpoint call.
type Request struct {
	Endpoint string
	Method   string
	Query    map[string]string
	Body     map[string]interface{}
	Auth     AuthMode
}

// Transport performs a single endpoint call and reports its status and body.
type Transport interface {
	Do(ctx context.Context, req Request) (int, []byte, error)
}

// HTTPTransport calls the KMS application endpoints under /app. Member
// certificate auth relies on the client's TLS certificates (see internal/httpc).
type HTTPTransport struct {
	Client *resty.Client
	URL    string
	Tokens oauth2.TokenSource
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (int, []byte, error) {
	client := t.Client
	if client == nil {
		client = resty.New()
	}
	r := client.R().SetContext(ctx).SetQueryParams(req.Query)
	if req.Auth == AuthJWT {
		hdr, err := authorization(t.Tokens)
		if err != nil {
			return 0, nil, err
		}
		r.SetHeader("Authorization", hdr)
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	url := strings.TrimRight(t.URL, "/") + "/app/" + req.Endpoint
	resp, err := r.Execute(method, url)
	if err != nil {
		return 0, nil, err
	}
	body := resp.Body()
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	return resp.StatusCode(), body, nil
}

// ScriptTransport calls endpoint wrapper scripts, <Dir>/<endpoint>.sh
// --key value ..., whose output is the response body followed by a status
// code line.
type ScriptTransport struct {
	Runner *command.Runner
	Dir    string
}

// DefaultScriptDir holds the endpoint wrapper scripts.
const DefaultScriptDir = "scripts/kms/endpoints"

func (t *ScriptTransport) Do(ctx context.Context, req Request) (int, []byte, error) {
	dir := t.Dir
	if dir == "" {
		dir = DefaultScriptDir
	}
	args := []string{path.Join(dir, req.Endpoint+".sh")}
	args = append(args, util.FlagArgs(flatten(req)...)...)
	res, err := t.Runner.Run(ctx, command.Command{Args: args, Quiet: true, NoMerge: true})
	if err != nil {
		return 0, nil, err
	}
	return extract.ParseStatusTrailer(res.Stdout)
}

// flatten turns query, body and auth into ordered key/value pairs. Non-string
// body values are passed as compact JSON.
func flatten(req Request) []string {
	var kv []string
	add := func(m map[string]string) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kv = append(kv, k, m[k])
		}
	}
	add(req.Query)
	body := map[string]string{}
	for k, v := range req.Body {
		switch val := v.(type) {
		case string:
			body[snake(k)] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				body[snake(k)] = fmt.Sprint(val)
				continue
			}
			body[snake(k)] = string(b)
		}
	}
	add(body)
	if req.Auth != AuthDefault && req.Auth != AuthDisabled {
		kv = append(kv, "auth", string(req.Auth))
	}
	return kv
}

// snake converts wrappingKey to wrapping_key for script flags.
func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
