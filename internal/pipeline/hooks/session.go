// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package hooks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yduwcui/ccproxy/internal/pipeline"
)

// newExtractSessionID pulls the Claude Code session identity out of the raw
// request body. Claude Code embeds it in body.metadata.user_id as
// "user_<hash>_account_<uuid>_session_<uuid>"; older clients send a plain
// session_id key, which is the fallback.
func newExtractSessionID(_ *Deps) *pipeline.HookSpec {
	return &pipeline.HookSpec{
		Name:   NameExtractSessionID,
		Reads:  []string{"proxy_server_request"},
		Writes: []string{"session_id", "trace_metadata"},
		Guard: func(c *pipeline.Context) bool {
			return proxyServerRequest(c) != nil
		},
		Handler: func(c *pipeline.Context, _ map[string]any) error {
			bodyMeta := requestBodyMetadata(proxyServerRequest(c))
			if bodyMeta == nil {
				return nil
			}
			tm := traceMetadata(c)

			userID, _ := bodyMeta["user_id"].(string)
			sessionID := ""
			if left, right, ok := strings.Cut(userID, "_session_"); ok {
				sessionID = right
				if hash, account, ok := strings.Cut(left, "_account_"); ok {
					tm["claude_user_hash"] = strings.TrimPrefix(hash, "user_")
					tm["claude_account_id"] = account
				}
			} else if sid, ok := bodyMeta["session_id"]; ok {
				sessionID = fmt.Sprint(sid)
			}
			if sessionID != "" {
				c.Metadata["session_id"] = sessionID
				tm["session_id"] = sessionID
			}

			if uid, ok := bodyMeta["trace_user_id"]; ok {
				tm["trace_user_id"] = uid
			}
			if tags, ok := bodyMeta["tags"]; ok {
				tm["tags"] = tags
			}
			return nil
		},
	}
}

// requestBodyMetadata extracts the metadata mapping of the original request
// body, which arrives either as a decoded mapping or as raw JSON.
func requestBodyMetadata(psr map[string]any) map[string]any {
	switch body := psr["body"].(type) {
	case map[string]any:
		md, _ := body["metadata"].(map[string]any)
		return md
	case []byte:
		return bodyMetadataFromJSON(body)
	case string:
		return bodyMetadataFromJSON([]byte(body))
	}
	return nil
}

func bodyMetadataFromJSON(raw []byte) map[string]any {
	md := gjson.GetBytes(raw, "metadata")
	if !md.IsObject() {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(md.Raw), &out); err != nil {
		return nil
	}
	return out
}
