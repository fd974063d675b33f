// Package run defines the immutable description of one detached run and
// the payload codec used to hand it to the remote compute unit.
package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Details carries everything the remote side needs: server credentials,
// the build to report against, the script to run, and where to fetch the
// working-directory snapshot. Created once per run, read-only after.
type Details struct {
	Username    string            `json:"username"`
	Password    string            `json:"password"`
	BuildID     string            `json:"build_id"`
	ServerURL   string            `json:"server_url"`
	Env         map[string]string `json:"env,omitempty"`
	Script      string            `json:"script"`
	DirectoryID string            `json:"directory_id"`
	WorkdirURL  string            `json:"workdir_url,omitempty"`
}

// Validate checks the fields the scheduling side must provide. The
// workdir URL is not required here: it is filled in after upload.
func (d Details) Validate() error {
	if strings.TrimSpace(d.BuildID) == "" {
		return errors.New("build id is required")
	}
	if err := validateServerURL(d.ServerURL); err != nil {
		return err
	}
	if strings.TrimSpace(d.Script) == "" {
		return errors.New("script is required")
	}
	if err := validateDirectoryID(d.DirectoryID); err != nil {
		return err
	}
	return nil
}

func validateServerURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("server url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server url must be absolute http(s): %q", raw)
	}
	return nil
}

// The directory id becomes a path element under the extracted workdir,
// so it must be a single clean component.
func validateDirectoryID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("directory id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("directory id must be a single path element: %q", id)
	}
	return nil
}

// EncodePayload serializes validated details for the invoker.
func EncodePayload(d Details) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.WorkdirURL) == "" {
		return nil, errors.New("workdir url is required")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload reads one payload from r. Unknown fields are rejected so
// a version skew between scheduler and runner surfaces immediately.
func DecodePayload(r io.Reader) (Details, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var d Details
	if err := dec.Decode(&d); err != nil {
		return Details{}, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return Details{}, errors.New("decode payload: unexpected trailing data")
	}
	if err := d.Validate(); err != nil {
		return Details{}, err
	}
	if strings.TrimSpace(d.WorkdirURL) == "" {
		return Details{}, errors.New("workdir url is required")
	}
	return d, nil
}
