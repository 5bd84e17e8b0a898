package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// JobRequest is the JSON payload of a JOB frame.
type JobRequest struct {
	JobID        string   `json:"job_id"`
	Compiler     string   `json:"compiler"`
	Args         []string `json:"args"`
	SourceName   string   `json:"source_name"`
	IncludePaths []string `json:"include_paths"`
	Defines      []string `json:"defines"`

	// SourceData is a historical alternative to the SRC frame: the source
	// file base64-encoded inline in the JobRequest JSON. A conforming
	// implementation always uses the SRC frame instead; this field is
	// accepted on decode for interoperability with older clients but is
	// never populated on encode and is ignored by the worker.
	//
	// Deprecated: use the SRC frame.
	SourceData string `json:"source_data,omitempty"`
}

// JobResponseOK is the JSON payload of the OK frame preceding an OBJ frame.
type JobResponseOK struct {
	Status     string `json:"status"` // always "success"
	JobID      string `json:"job_id"`
	OutputName string `json:"output_name"`
	OutputSize int64  `json:"output_size"`
	Elapsed    float64 `json:"elapsed"`
	Warnings   string `json:"warnings,omitempty"`
}

// JobResponseErr is the JSON payload of an ERR frame that concludes a
// compile exchange (as opposed to a bare diagnostic string used for raw
// protocol errors).
type JobResponseErr struct {
	Status     string  `json:"status"` // always "error"
	JobID      string  `json:"job_id"`
	ReturnCode int     `json:"returncode"`
	Stderr     string  `json:"stderr"`
	Stdout     string  `json:"stdout"`
	Elapsed    float64 `json:"elapsed"`
}

// SystemInfo is the JSON payload of a PONG frame.
type SystemInfo struct {
	Hostname string  `json:"hostname"`
	Arch     string  `json:"arch"`
	CPUs     int     `json:"cpus"`
	Load     float64 `json:"load"`
}

// EncodeJSON marshals v as the payload of a frame of the given tag.
func EncodeJSON(tag Tag, v interface{}) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", tag, err)
	}
	return Frame{Tag: tag, Payload: b}, nil
}

// DecodeJSON unmarshals a frame's payload into v.
func DecodeJSON(f Frame, v interface{}) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Tag, err)
	}
	return nil
}

// HeaderBundle is the decoded form of a HDR frame's JSON object: relative
// header path -> raw file contents. On the wire each value is a base64
// string; EncodeHeaderBundle/DecodeHeaderBundle handle that layer so callers
// only ever see raw bytes.
type HeaderBundle map[string][]byte

// EncodeHeaderBundle builds the HDR frame payload for a bundle of sidecar
// headers. An empty bundle encodes to "{}", which is a valid "no headers"
// frame.
func EncodeHeaderBundle(bundle HeaderBundle) (Frame, error) {
	encoded := make(map[string]string, len(bundle))
	for path, content := range bundle {
		encoded[path] = base64.StdEncoding.EncodeToString(content)
	}
	b, err := json.Marshal(encoded)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding header bundle: %w", err)
	}
	return Frame{Tag: TagHdr, Payload: b}, nil
}

// DecodeHeaderBundle parses a HDR frame payload back into raw header bytes.
func DecodeHeaderBundle(f Frame) (HeaderBundle, error) {
	var encoded map[string]string
	if err := json.Unmarshal(f.Payload, &encoded); err != nil {
		return nil, fmt.Errorf("decoding header bundle: %w", err)
	}
	bundle := make(HeaderBundle, len(encoded))
	for path, s := range encoded {
		content, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decoding header %q: %w", path, err)
		}
		bundle[path] = content
	}
	return bundle, nil
}
