package delivery

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatwire/internal/domain"
	"github.com/google/uuid"
)

// Dedup defaults.
const (
	DefaultDedupWindow   = 2 * time.Second
	DefaultDedupCapacity = 500
)

// compositeNamespace seeds ids derived from message content.
var compositeNamespace = uuid.MustParse("6f1c52a4-3f0e-4d8e-9a57-5b0c2d7e9a11")

// CompositeID derives a stable id from conversation, content and timestamp
// for messages the server did not assign one to.
func CompositeID(conversationID, content string, ts time.Time) string {
	key := conversationID + "\x00" + content + "\x00" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(compositeNamespace, []byte(key)).String()
}

// Deduper remembers recently emitted messages. A message is a duplicate when
// its id was seen, or when a message with the same role, content and
// conversation was seen within the window.
type Deduper struct {
	window   time.Duration
	capacity int

	mu      sync.Mutex
	order   *list.List
	ids     map[string]*list.Element
	content map[string]time.Time
}

// NewDeduper creates a deduper. Non-positive values use the defaults.
func NewDeduper(window time.Duration, capacity int) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Deduper{
		window:   window,
		capacity: capacity,
		order:    list.New(),
		ids:      make(map[string]*list.Element),
		content:  make(map[string]time.Time),
	}
}

// Admit records m and reports whether it is new.
func (d *Deduper) Admit(m domain.ChatMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m.ID != "" {
		if _, ok := d.ids[m.ID]; ok {
			return false
		}
	}

	key := contentKey(m)
	if prev, ok := d.content[key]; ok && absDuration(m.Timestamp.Sub(prev)) < d.window {
		return false
	}

	if m.ID != "" {
		d.ids[m.ID] = d.order.PushBack(m.ID)
		for d.order.Len() > d.capacity {
			oldest := d.order.Front()
			d.order.Remove(oldest)
			delete(d.ids, oldest.Value.(string))
		}
	}
	d.content[key] = m.Timestamp
	d.pruneLocked(m.Timestamp)
	return true
}

// Len returns the number of remembered ids.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Reset forgets everything.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order.Init()
	d.ids = make(map[string]*list.Element)
	d.content = make(map[string]time.Time)
}

func (d *Deduper) pruneLocked(now time.Time) {
	if len(d.content) <= d.capacity {
		return
	}
	for k, at := range d.content {
		if absDuration(now.Sub(at)) >= d.window {
			delete(d.content, k)
		}
	}
}

func contentKey(m domain.ChatMessage) string {
	return string(m.Role) + "\x00" + m.ConversationID + "\x00" + strings.TrimSpace(m.Content)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
