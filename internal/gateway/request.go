package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxRequestBytes bounds an inbound multipart body.
const DefaultMaxRequestBytes int64 = 64 << 20

const (
	fieldPrompt = "prompt"
	slotImages  = "images"
	slotAudios  = "audios"
)

// Part is one buffered file part of an inbound request.
type Part struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (p Part) contentType() string {
	if p.ContentType == "" {
		return "application/octet-stream"
	}
	return p.ContentType
}

// Request is a parsed multimodal request.
type Request struct {
	Prompt string
	Images []Part
	Audios []Part

	hasPrompt bool
}

// HasPrompt reports whether the prompt field was present in the form.
func (r Request) HasPrompt() bool { return r.hasPrompt }

// ValidationError reports a malformed or incomplete inbound request.
type ValidationError struct {
	Status  int
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

func badRequest(message string, err error) error {
	status := http.StatusBadRequest
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	return &ValidationError{Status: status, Message: message, Err: err}
}

// ParseRequest reads the multipart body of r into a Request. Parts other
// than prompt, images and audios are discarded.
func ParseRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (Request, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		return Request{}, badRequest("multipart form required", err)
	}

	var in Request
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Request{}, badRequest("read multipart", err)
		}

		name := part.FormName()
		switch name {
		case fieldPrompt:
			data, err := io.ReadAll(part)
			if err != nil {
				_ = part.Close()
				return Request{}, badRequest("read prompt", err)
			}
			in.Prompt = string(data)
			in.hasPrompt = true
		case slotImages, slotAudios:
			data, err := io.ReadAll(part)
			if err != nil {
				_ = part.Close()
				return Request{}, badRequest("read "+name, err)
			}
			p := Part{
				Filename:    part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Data:        data,
			}
			if name == slotImages {
				in.Images = append(in.Images, p)
			} else {
				in.Audios = append(in.Audios, p)
			}
		default:
			_, _ = io.Copy(io.Discard, part)
		}
		_ = part.Close()
	}
	return in, nil
}
