// Package wlm parses the external data-movement CLI's schema-light
// output into typed records (spec.md §4.6). The CLI's own JSON
// encoder is inherited from a Python code base and sometimes emits
// dict reprs instead of strict JSON - single-quoted strings with a
// leading "u" marking what used to be a unicode literal. The adapter
// normalizes that shape before handing it to encoding/json, matching
// the tagged-variant / permissive-parsing approach spec.md's Design
// Notes call for: unknown keys are ignored, missing fields default to
// their zero value.
package wlm

import (
	"encoding/json"
	"strings"

	"github.com/hpc-tools/dws-burstbuffer/pkg/bberrors"
)

// Pool mirrors one entry from `show_pools`.
type Pool struct {
	ID          string `json:"id"`
	Units       string `json:"units"`
	Granularity int64  `json:"granularity"`
	Quantity    int64  `json:"quantity"`
	Free        int64  `json:"free"`
}

// Instance mirrors one entry from `show_instances`.
type Instance struct {
	ID    int64  `json:"id"`
	Bytes int64  `json:"bytes"`
	Label string `json:"label"`
}

// Session mirrors one entry from `show_sessions`.
type Session struct {
	ID     int64  `json:"id"`
	Token  string `json:"token"`
	Used   bool   `json:"used"`
	UserID int64  `json:"owner"`
}

// Config mirrors one entry from `show_configurations`; the instance id
// arrives nested under a "links" object in the CLI's own output.
type Config struct {
	ID         string `json:"id"`
	InstanceID int64  `json:"instance_id"`
}

type rawConfig struct {
	ID    string `json:"id"`
	Links struct {
		InstanceID int64 `json:"instance"`
	} `json:"links"`
}

// Normalize rewrites Python-repr-flavored dict text into strict JSON:
// single quotes become double quotes outside spans that are already
// double-quoted, and a leading "u" immediately before a quoted span
// (Python's old unicode-literal prefix) is dropped.
func Normalize(raw string) string {
	var out strings.Builder
	out.Grow(len(raw))
	inDouble, inSingle := false, false
	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' && !inDouble:
			inDouble = true
			out.WriteRune(r)
		case r == '"' && inDouble:
			inDouble = false
			out.WriteRune(r)
		case r == 'u' && !inDouble && !inSingle && i+1 < len(runes) && runes[i+1] == '\'':
			// drop the unicode-literal prefix, the following quote is
			// handled by the '\'' case below.
			continue
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			out.WriteRune('"')
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// ParsePools decodes the (possibly normalized) output of `show_pools`.
func ParsePools(raw string) ([]Pool, error) {
	var pools []Pool
	if err := decodeList(raw, &pools); err != nil {
		return nil, bberrors.Wrap(bberrors.ExternalError, err, "parsing show_pools output")
	}
	return pools, nil
}

// ParseInstances decodes the output of `show_instances`.
func ParseInstances(raw string) ([]Instance, error) {
	var instances []Instance
	if err := decodeList(raw, &instances); err != nil {
		return nil, bberrors.Wrap(bberrors.ExternalError, err, "parsing show_instances output")
	}
	return instances, nil
}

// ParseSessions decodes the output of `show_sessions`.
func ParseSessions(raw string) ([]Session, error) {
	var sessions []Session
	if err := decodeList(raw, &sessions); err != nil {
		return nil, bberrors.Wrap(bberrors.ExternalError, err, "parsing show_sessions output")
	}
	return sessions, nil
}

// ParseConfigurations decodes the output of `show_configurations`,
// flattening the nested "links" object into Config.InstanceID.
func ParseConfigurations(raw string) ([]Config, error) {
	var rawCfgs []rawConfig
	if err := decodeList(raw, &rawCfgs); err != nil {
		return nil, bberrors.Wrap(bberrors.ExternalError, err, "parsing show_configurations output")
	}
	cfgs := make([]Config, len(rawCfgs))
	for i, rc := range rawCfgs {
		cfgs[i] = Config{ID: rc.ID, InstanceID: rc.Links.InstanceID}
	}
	return cfgs, nil
}

// decodeList decodes either a bare JSON list or a single object
// wrapping a list under a "results"/"pools"/"instances"/"sessions"/
// "configurations" key, which is how the real CLI wraps most of its
// list-returning functions.
func decodeList(raw string, out interface{}) error {
	normalized := Normalize(strings.TrimSpace(raw))
	if normalized == "" {
		return nil
	}
	if strings.HasPrefix(normalized, "[") {
		return json.Unmarshal([]byte(normalized), out)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(normalized), &envelope); err != nil {
		return err
	}
	for _, v := range envelope {
		if err := json.Unmarshal(v, out); err == nil {
			return nil
		}
	}
	return nil
}
