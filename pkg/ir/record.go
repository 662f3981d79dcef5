// Package ir defines the canonical intermediate record schema shared by every
// chat source, and validates tables at the privacy boundary.
//
// A table exists in two stages. Pre-Gate tables carry author_raw and
// source-native thread keys. Post-Gate tables carry only opaque ids plus
// pii_flags and lineage columns; author_raw is forbidden.
package ir

import "time"

// Column names of the canonical schema.
const (
	ColEventID      = "event_id"
	ColTenantID     = "tenant_id"
	ColSource       = "source"
	ColThreadID     = "thread_id"
	ColMsgID        = "msg_id"
	ColTS           = "ts"
	ColAuthorRaw    = "author_raw"
	ColAuthorUUID   = "author_uuid"
	ColText         = "text"
	ColMediaURL     = "media_url"
	ColMediaType    = "media_type"
	ColAttrs        = "attrs"
	ColPIIFlags     = "pii_flags"
	ColCreatedAt    = "created_at"
	ColCreatedByRun = "created_by_run"
)

// DefaultTenant is the tenant used by single-tenant deployments.
const DefaultTenant = "default"

// Record is one message or event.
type Record struct {
	EventID      string         `json:"event_id,omitempty"`
	TenantID     string         `json:"tenant_id"`
	Source       string         `json:"source"`
	ThreadID     string         `json:"thread_id"`
	MsgID        string         `json:"msg_id"`
	TS           time.Time      `json:"ts"`
	AuthorRaw    string         `json:"author_raw,omitempty"`
	AuthorUUID   string         `json:"author_uuid,omitempty"`
	Text         string         `json:"text"`
	MediaURL     string         `json:"media_url,omitempty"`
	MediaType    string         `json:"media_type,omitempty"`
	Attrs        map[string]any `json:"attrs,omitempty"`
	PIIFlags     map[string]any `json:"pii_flags,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitzero"`
	CreatedByRun string         `json:"created_by_run,omitempty"`
}

// anonymizedRecord is the only shape written by the post-Gate encoder.
// It has no author_raw field at all.
type anonymizedRecord struct {
	EventID      string         `json:"event_id"`
	TenantID     string         `json:"tenant_id"`
	Source       string         `json:"source"`
	ThreadID     string         `json:"thread_id"`
	MsgID        string         `json:"msg_id"`
	TS           time.Time      `json:"ts"`
	AuthorUUID   string         `json:"author_uuid"`
	Text         string         `json:"text"`
	MediaURL     string         `json:"media_url,omitempty"`
	MediaType    string         `json:"media_type,omitempty"`
	Attrs        map[string]any `json:"attrs,omitempty"`
	PIIFlags     map[string]any `json:"pii_flags"`
	CreatedAt    time.Time      `json:"created_at"`
	CreatedByRun string         `json:"created_by_run"`
}

func anonymized(r Record) anonymizedRecord {
	flags := r.PIIFlags
	if flags == nil {
		flags = map[string]any{}
	}
	return anonymizedRecord{
		EventID:      r.EventID,
		TenantID:     r.TenantID,
		Source:       r.Source,
		ThreadID:     r.ThreadID,
		MsgID:        r.MsgID,
		TS:           r.TS,
		AuthorUUID:   r.AuthorUUID,
		Text:         r.Text,
		MediaURL:     r.MediaURL,
		MediaType:    r.MediaType,
		Attrs:        r.Attrs,
		PIIFlags:     flags,
		CreatedAt:    r.CreatedAt,
		CreatedByRun: r.CreatedByRun,
	}
}
