package jobs

import "encoding/json"

// GitMinePayload parameterizes a git_mine job: the commit-history mining
// window in days.
type GitMinePayload struct {
	Days int `json:"days"`
}

// ParseGitMinePayload parses a git_mine job's opaque payload, defaulting the
// mining window to defaultDays when the payload is empty or omits "days".
func ParseGitMinePayload(raw *string, defaultDays int) GitMinePayload {
	p := GitMinePayload{Days: defaultDays}
	if raw == nil || *raw == "" {
		return p
	}
	var parsed GitMinePayload
	if err := json.Unmarshal([]byte(*raw), &parsed); err != nil {
		return p
	}
	if parsed.Days > 0 {
		p.Days = parsed.Days
	}
	return p
}

// EncodePayload serializes v to a pointer suitable for Store.Enqueue, or nil
// when v is nil.
func EncodePayload(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
