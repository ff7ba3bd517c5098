// Package intake feeds work items into the orchestrator, either from a
// message bus or from a fixed list built on the command line.
package intake

import (
	"encoding/json"
	"fmt"

	"github.com/bettaflow/mediaspider/internal/model"
)

// Source delivers work items. The channel closes when the source is
// exhausted or closed.
type Source interface {
	Items() <-chan *model.WorkItem
	Close() error
}

// StaticSource replays a fixed list of items, for one-shot CLI runs.
type StaticSource struct {
	ch chan *model.WorkItem
}

// NewStaticSource builds a source over the given items. The channel is
// pre-filled and closed, so draining it terminates the run.
func NewStaticSource(items ...*model.WorkItem) *StaticSource {
	ch := make(chan *model.WorkItem, len(items))
	for _, item := range items {
		ch <- item
	}
	close(ch)
	return &StaticSource{ch: ch}
}

func (s *StaticSource) Items() <-chan *model.WorkItem { return s.ch }

func (s *StaticSource) Close() error { return nil }

// decodeItem parses and validates one intake message.
func decodeItem(data []byte) (*model.WorkItem, error) {
	var item model.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decoding work item: %w", err)
	}
	if !item.Platform.Valid() {
		return nil, fmt.Errorf("work item %s: unknown platform %q", item.ID, item.Platform)
	}
	if item.Query == "" {
		return nil, fmt.Errorf("work item %s: empty query", item.ID)
	}
	if item.ID == "" {
		fresh := model.NewWorkItem(item.Platform, item.Query, item.Kind, item.Priority)
		fresh.Kind = item.Kind
		fresh.Cursor = item.Cursor
		fresh.Account = item.Account
		item = *fresh
	}
	if item.Kind == "" {
		item.Kind = model.KindSearch
	}
	return &item, nil
}
