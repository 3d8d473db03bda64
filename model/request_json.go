package model

import (
	"encoding/base64"
	"encoding/json"
)

// bodyWire is the on-the-wire shape of Body: binary payloads travel as
// base64 text (JSON has no byte-string type), matching the camelCase wire
// contract described in spec section 6.
type bodyWire struct {
	Mode  BodyMode          `json:"mode"`
	Text  string            `json:"text,omitempty"`
	Data  string            `json:"data,omitempty"`
	Form  map[string]string `json:"form,omitempty"`
	Files []multipartWire   `json:"files,omitempty"`
}

type multipartWire struct {
	FieldName string `json:"fieldName"`
	FileName  string `json:"fileName"`
	MimeType  string `json:"mimeType"`
	Data      string `json:"data"`
}

// MarshalJSON encodes binary text as base64 in the "data" field, leaving
// text/json/graphql bodies as plain UTF-8 in "text".
func (b Body) MarshalJSON() ([]byte, error) {
	w := bodyWire{Mode: b.Mode, Form: b.Form}
	switch b.Mode {
	case BodyBinary:
		w.Data = base64.StdEncoding.EncodeToString([]byte(b.Text))
	default:
		w.Text = b.Text
	}
	for _, f := range b.Files {
		w.Files = append(w.Files, multipartWire{
			FieldName: f.FieldName,
			FileName:  f.FileName,
			MimeType:  f.MimeType,
			Data:      base64.StdEncoding.EncodeToString(f.Data),
		})
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (b *Body) UnmarshalJSON(data []byte) error {
	var w bodyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Mode = w.Mode
	b.Form = w.Form
	switch w.Mode {
	case BodyBinary:
		raw, err := base64.StdEncoding.DecodeString(w.Data)
		if err != nil {
			return err
		}
		b.Text = string(raw)
	default:
		b.Text = w.Text
	}
	for _, f := range w.Files {
		raw, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return err
		}
		b.Files = append(b.Files, MultipartFile{
			FieldName: f.FieldName,
			FileName:  f.FileName,
			MimeType:  f.MimeType,
			Data:      raw,
		})
	}
	return nil
}
