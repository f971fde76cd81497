// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mitm

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// flowKey carries the Flow through the reverse proxy's request context.
type flowKey struct{}

func contextWithFlow(ctx context.Context, f *Flow) context.Context {
	return context.WithValue(ctx, flowKey{}, f)
}

// maxInlineBody caps how much of a flow we buffer for capture when no explicit
// limit is configured.
const maxInlineBody = 10 << 20

// NewProxy returns the reverse-proxy handler for the capture port. Every flow
// passes through the addon's request, response, and error hooks; target is the
// upstream the repaired request is forwarded to.
func NewProxy(target *url.URL, addon *Addon, logger *slog.Logger) http.Handler {
	rp := httputil.NewSingleHostReverseProxy(target)

	rp.ModifyResponse = func(resp *http.Response) error {
		f, _ := resp.Request.Context().Value(flowKey{}).(*Flow)
		if f == nil {
			return nil
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, bodyLimit(addon)))
		if err != nil {
			return err
		}
		rest, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), bytes.NewReader(rest)))

		f.StatusCode = resp.StatusCode
		f.RespHeader = resp.Header.Clone()
		f.RespBody = body
		addon.HandleResponse(f)
		return nil
	}

	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if f, _ := r.Context().Value(flowKey{}).(*Flow); f != nil {
			addon.HandleError(f, err)
		}
		logger.Warn("proxy upstream error",
			slog.String("url", r.URL.String()), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadGateway)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxInlineBody+1))
		r.Body.Close()
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		f := NewFlow(r, body)
		addon.HandleRequest(f)

		// The addon may have rewritten headers and body.
		r.Body = io.NopCloser(bytes.NewReader(f.Body))
		r.ContentLength = int64(len(f.Body))
		r = r.WithContext(contextWithFlow(r.Context(), f))
		rp.ServeHTTP(w, r)
	})
}

func bodyLimit(addon *Addon) int64 {
	if addon.cfg.MaxBodySize > 0 {
		return int64(addon.cfg.MaxBodySize)
	}
	return maxInlineBody
}
