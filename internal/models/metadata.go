package models

import (
	"encoding/json"
	"fmt"
)

// MessageMetadata is the per-type payload attached to a message. Each
// message type has exactly one metadata shape; text and system carry none.
type MessageMetadata interface {
	MessageType() MessageType
}

type ImageMetadata struct {
	URL          string `json:"url"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (ImageMetadata) MessageType() MessageType { return MessageImage }

type VideoMetadata struct {
	URL             string  `json:"url"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ThumbnailURL    string  `json:"thumbnail_url,omitempty"`
}

func (VideoMetadata) MessageType() MessageType { return MessageVideo }

type AudioMetadata struct {
	URL             string  `json:"url"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

func (AudioMetadata) MessageType() MessageType { return MessageAudio }

type LocationMetadata struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

func (LocationMetadata) MessageType() MessageType { return MessageLocation }

type FileMetadata struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

func (FileMetadata) MessageType() MessageType { return MessageFile }

// DecodeMetadata parses raw JSON into the metadata shape of t. Empty input
// yields nil metadata.
func DecodeMetadata(t MessageType, raw []byte) (MessageMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var (
		md  MessageMetadata
		err error
	)
	switch t {
	case MessageText, MessageSystem:
		return nil, fmt.Errorf("%w: %s messages carry no metadata", ErrInvalidRequest, t)
	case MessageImage:
		var v ImageMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case MessageVideo:
		var v VideoMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case MessageAudio:
		var v AudioMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case MessageLocation:
		var v LocationMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case MessageFile:
		var v FileMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidRequest, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidRequest, err)
	}
	return md, nil
}

// EncodeMetadata is the storage form of md; nil encodes to nil.
func EncodeMetadata(md MessageMetadata) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	return json.Marshal(md)
}

// ValidateMetadata checks that md matches the message type and carries the
// fields that type requires.
func ValidateMetadata(t MessageType, md MessageMetadata) error {
	if md == nil {
		switch t {
		case MessageText, MessageSystem:
			return nil
		}
		return fmt.Errorf("%w: %s messages require metadata", ErrInvalidRequest, t)
	}
	if md.MessageType() != t {
		return fmt.Errorf("%w: %s metadata on a %s message", ErrInvalidRequest, md.MessageType(), t)
	}

	switch v := md.(type) {
	case ImageMetadata:
		if v.URL == "" {
			return fmt.Errorf("%w: image url is required", ErrInvalidRequest)
		}
	case VideoMetadata:
		if v.URL == "" {
			return fmt.Errorf("%w: video url is required", ErrInvalidRequest)
		}
	case AudioMetadata:
		if v.URL == "" {
			return fmt.Errorf("%w: audio url is required", ErrInvalidRequest)
		}
	case LocationMetadata:
		if v.Latitude < -90 || v.Latitude > 90 || v.Longitude < -180 || v.Longitude > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
		}
	case FileMetadata:
		if v.URL == "" || v.FileName == "" {
			return fmt.Errorf("%w: file url and name are required", ErrInvalidRequest)
		}
	}
	return nil
}
