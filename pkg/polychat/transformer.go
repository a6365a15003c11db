// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"maunium.net/go/mautrix/event"
)

// ContentTransformer maps a main room message into the outgoing
// representation for one sub room's network. Implementations must not
// mutate the input content. A transformer error drops the affected message
// with a logged warning; the relay never retries and never crashes.
type ContentTransformer interface {
	TransformEventForNetwork(ctx context.Context, polychat *Polychat, sender *Profile, content *event.MessageEventContent) (*event.MessageEventContent, error)
}

// GenericTransformer is the default transformer: it prefixes the message
// body with the sender's display name.
type GenericTransformer struct{}

var _ ContentTransformer = (*GenericTransformer)(nil)

func (t *GenericTransformer) TransformEventForNetwork(_ context.Context, _ *Polychat, sender *Profile, content *event.MessageEventContent) (*event.MessageEventContent, error) {
	out := *content
	out.Body = fmt.Sprintf("%s: %s", sender.DisplayName, content.Body)
	if out.FormattedBody != "" {
		out.FormattedBody = fmt.Sprintf("<b>%s</b>: %s", event.TextToHTML(sender.DisplayName), content.FormattedBody)
	}
	return &out, nil
}

// TranslatorTransformer routes the message body through a
// LibreTranslate-compatible endpoint before attaching the sender name.
// Swappable for GenericTransformer without touching the relay.
type TranslatorTransformer struct {
	Endpoint string
	Source   string
	Target   string
	APIKey   string

	// HTTPClient defaults to a client with a 10 second timeout.
	HTTPClient *http.Client
}

var _ ContentTransformer = (*TranslatorTransformer)(nil)

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

func (t *TranslatorTransformer) TransformEventForNetwork(ctx context.Context, _ *Polychat, sender *Profile, content *event.MessageEventContent) (*event.MessageEventContent, error) {
	client := t.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	payload, err := json.Marshal(translateRequest{
		Q:      content.Body,
		Source: t.Source,
		Target: t.Target,
		Format: "text",
		APIKey: t.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode translation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build translation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("translation request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("translation endpoint returned HTTP %d", resp.StatusCode)
	}

	var translated translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&translated); err != nil {
		return nil, fmt.Errorf("failed to decode translation response: %w", err)
	}

	out := *content
	out.Body = fmt.Sprintf("%s: %s", sender.DisplayName, translated.TranslatedText)
	out.Format = ""
	out.FormattedBody = ""
	return &out, nil
}
