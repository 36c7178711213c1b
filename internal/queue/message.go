// Package queue defines the message envelope carried between the API service
// (producer) and the worker service over RabbitMQ. Payloads are tagged by job
// kind and validated at decode time so malformed messages are rejected before
// any subprocess is launched.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job kinds
const (
	KindConversion     = "conversion"
	KindClashDetection = "clash_detection"
)

var (
	// ErrMalformedMessage is returned when a message body cannot be decoded
	ErrMalformedMessage = errors.New("malformed queue message")

	// ErrUnknownKind is returned for a kind no handler exists for
	ErrUnknownKind = errors.New("unknown job kind")
)

// Message is the broker envelope. The payload shape depends on Kind and the
// body is immutable once published; redelivery carries the identical payload.
type Message struct {
	JobID     string          `json:"job_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ConversionPayload carries one model-file conversion job
type ConversionPayload struct {
	FileID       string `json:"file_id"`
	ProjectID    string `json:"project_id"`
	InputPath    string `json:"input_path"`
	OutputPath   string `json:"output_path"`
	OriginalName string `json:"original_name"`
}

// ClashSettings are the parameters handed to the clash-detection executable
type ClashSettings struct {
	ToleranceMM  float64 `json:"tolerance_mm"`
	IncludeMinor bool    `json:"include_minor"`
}

// ClashPayload carries one clash-detection job over the converted inputs
type ClashPayload struct {
	ReportID   string        `json:"report_id"`
	ProjectID  string        `json:"project_id"`
	FileIDs    []string      `json:"file_ids"`
	InputPaths []string      `json:"input_paths"`
	OutputPath string        `json:"output_path"`
	Settings   ClashSettings `json:"settings"`
}

// NewConversionMessage builds the wire body for a conversion job
func NewConversionMessage(jobID string, payload ConversionPayload) ([]byte, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	return encode(jobID, KindConversion, payload)
}

// NewClashMessage builds the wire body for a clash-detection job
func NewClashMessage(jobID string, payload ClashPayload) ([]byte, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	return encode(jobID, KindClashDetection, payload)
}

func encode(jobID, kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	body, err := json.Marshal(Message{
		JobID:     jobID,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	return body, nil
}

// Decode parses a message body and checks the envelope fields
func Decode(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.JobID == "" {
		return nil, fmt.Errorf("%w: missing job_id", ErrMalformedMessage)
	}

	switch msg.Kind {
	case KindConversion, KindClashDetection:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}

	return &msg, nil
}

// ConversionPayload decodes and validates the payload of a conversion message
func (m *Message) ConversionPayload() (*ConversionPayload, error) {
	if m.Kind != KindConversion {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedMessage, KindConversion, m.Kind)
	}

	var p ConversionPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// ClashPayload decodes and validates the payload of a clash-detection message
func (m *Message) ClashPayload() (*ClashPayload, error) {
	if m.Kind != KindClashDetection {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedMessage, KindClashDetection, m.Kind)
	}

	var p ClashPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

func (p ConversionPayload) validate() error {
	switch {
	case p.FileID == "":
		return fmt.Errorf("%w: conversion payload missing file_id", ErrMalformedMessage)
	case p.ProjectID == "":
		return fmt.Errorf("%w: conversion payload missing project_id", ErrMalformedMessage)
	case p.InputPath == "":
		return fmt.Errorf("%w: conversion payload missing input_path", ErrMalformedMessage)
	case p.OutputPath == "":
		return fmt.Errorf("%w: conversion payload missing output_path", ErrMalformedMessage)
	}
	return nil
}

func (p ClashPayload) validate() error {
	switch {
	case p.ReportID == "":
		return fmt.Errorf("%w: clash payload missing report_id", ErrMalformedMessage)
	case p.ProjectID == "":
		return fmt.Errorf("%w: clash payload missing project_id", ErrMalformedMessage)
	case len(p.InputPaths) < 2:
		return fmt.Errorf("%w: clash payload requires at least 2 input paths", ErrMalformedMessage)
	case p.OutputPath == "":
		return fmt.Errorf("%w: clash payload missing output_path", ErrMalformedMessage)
	}
	return nil
}
