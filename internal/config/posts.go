package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"postrunner/internal/model"
)

// postsFile is the document form of a posts file. A bare list is accepted too.
type postsFile struct {
	Posts []model.Post `json:"posts"`
}

// LoadPosts reads a JSON or YAML posts file. Posts are not validated here;
// the orchestrator rejects malformed posts at Start.
func LoadPosts(path string) ([]model.Post, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}
	jb = bytes.TrimSpace(jb)
	if len(jb) == 0 || bytes.Equal(jb, []byte("null")) {
		return nil, nil
	}

	if jb[0] == '[' {
		var list []model.Post
		if err := strictDecode(jb, &list); err != nil {
			return nil, fmt.Errorf("posts %s: %w", path, err)
		}
		return list, nil
	}
	var doc postsFile
	if err := strictDecode(jb, &doc); err != nil {
		return nil, fmt.Errorf("posts %s: %w", path, err)
	}
	return doc.Posts, nil
}

func strictDecode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data")
	}
	return nil
}
