package stb

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// flexString unmarshals from either a JSON string or a JSON number. Ministra
// backends are inconsistent about which one they emit for ids and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// flexInt64 unmarshals from a JSON number or a numeric string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

// Channel is one entry from the portal's channel listing.
type Channel struct {
	ID      flexString `json:"id"`
	Name    string     `json:"name"`
	Number  flexString `json:"number"`
	GenreID flexString `json:"tv_genre_id"`
	Cmd     string     `json:"cmd"`
	Logo    string     `json:"logo"`
}

// Programme is one guide entry for a channel.
type Programme struct {
	Name  string    `json:"name"`
	Descr string    `json:"descr"`
	Start flexInt64 `json:"start_timestamp"`
	Stop  flexInt64 `json:"stop_timestamp"`
}
