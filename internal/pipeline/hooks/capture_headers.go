// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"net/url"
	"strings"

	"github.com/yduwcui/ccproxy/internal/pipeline"
)

// newCaptureHeaders records the inbound request headers, redacted, into the
// trace metadata and the process-wide request store so post-call callbacks can
// see them.
func newCaptureHeaders(deps *Deps) *pipeline.HookSpec {
	return &pipeline.HookSpec{
		Name:   NameCaptureHeaders,
		Reads:  []string{"proxy_server_request", "secret_fields"},
		Writes: []string{"trace_metadata", "http_method", "http_path"},
		Guard: func(c *pipeline.Context) bool {
			return proxyServerRequest(c) != nil
		},
		Handler: func(c *pipeline.Context, _ map[string]any) error {
			psr := proxyServerRequest(c)
			tm := traceMetadata(c)

			for name, value := range c.Headers {
				// Sensitive headers are captured from their raw form so the
				// redacted prefix reflects what the client actually sent.
				if raw, ok := c.RawHeaders[name]; ok {
					value = raw
				}
				tm["header_"+strings.ToLower(name)] = RedactHeader(name, value)
			}
			for name, value := range c.RawHeaders {
				key := "header_" + strings.ToLower(name)
				if _, ok := tm[key]; !ok {
					tm[key] = RedactHeader(name, value)
				}
			}

			if method, _ := psr["method"].(string); method != "" {
				tm["http_method"] = method
			}
			if rawURL, _ := psr["url"].(string); rawURL != "" {
				if u, err := url.Parse(rawURL); err == nil {
					tm["http_path"] = u.Path
				}
			}

			if deps.Requests != nil {
				deps.Requests.Set(c.CallID, tm)
			}
			return nil
		},
	}
}
