// Package queue implements our email queue. Accepted envelopes get put in
// the queue, and delivered asynchronously.
//
// The queue lives in memory only: mail in flight does not survive a
// restart. For this relay that is an accepted tradeoff; senders get no
// acknowledgment beyond the usual SMTP one either way.
package queue

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dtolnay/mailingset/internal/courier"
	"github.com/dtolnay/mailingset/internal/expvarom"
	"github.com/dtolnay/mailingset/internal/maillog"
	"github.com/dtolnay/mailingset/internal/trace"
)

var errQueueFull = fmt.Errorf("Queue size too big, try again later")

// Exported variables.
var (
	putCount = expvarom.NewInt("mailingset/queue/putCount",
		"count of envelopes attempted to be put in the queue")
	deliverAttempts = expvarom.NewMap("mailingset/queue/deliverAttempts",
		"result", "attempts to deliver mail, by result")
)

// Channel used to get random IDs for items in the queue.
var newID chan string

func generateNewIDs() {
	// The IDs are only used internally, we are ok with using a PRNG.
	// IDs are base64(8 random bytes), but the code doesn't care.
	buf := make([]byte, 8)
	for {
		binary.NativeEndian.PutUint64(buf, rand.Uint64())
		newID <- base64.RawURLEncoding.EncodeToString(buf)
	}
}

func init() {
	newID = make(chan string, 4)
	go generateNewIDs()
}

// Recipient status.
type status string

// Valid recipient statuses.
const (
	statusPending = status("pending")
	statusSent    = status("sent")
	statusFailed  = status("failed")
)

// Recipient of an item in the queue.
type Recipient struct {
	Address            string
	Status             status
	LastFailureMessage string
}

// Queue that keeps mail waiting for delivery.
type Queue struct {
	// Courier to use to deliver mail.
	courier courier.Courier

	// The maximum number of items in the queue.
	MaxItems int

	// Give up sending attempts after this long.
	GiveUpAfter time.Duration

	// Mutex protecting q.
	mu sync.RWMutex

	// Items in the queue. Map of id -> Item.
	q map[string]*Item
}

// New creates a new Queue instance, delivering through the given courier.
func New(c courier.Courier) *Queue {
	return &Queue{
		q:       map[string]*Item{},
		courier: c,

		// Safe non-zero defaults; the daemon overrides them from the
		// config.
		MaxItems:    100,
		GiveUpAfter: 20 * time.Hour,
	}
}

// Len returns the number of elements in the queue.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.q)
}

// Put an envelope in the queue, and begin delivering it asynchronously.
func (q *Queue) Put(tr *trace.Trace, from string, to []string, data []byte) (string, error) {
	tr = tr.NewChild("Queue.Put", from)
	defer tr.Finish()

	if nItems := q.Len(); nItems >= q.MaxItems {
		tr.Errorf("queue full (%d items)", nItems)
		return "", errQueueFull
	}
	putCount.Add(1)

	item := &Item{
		ID:        <-newID,
		From:      from,
		Data:      data,
		CreatedAt: time.Now(),
	}
	for _, t := range to {
		item.Rcpt = append(item.Rcpt, &Recipient{
			Address: t,
			Status:  statusPending,
		})
		tr.Debugf("recipient: %v", t)
	}

	q.mu.Lock()
	q.q[item.ID] = item
	q.mu.Unlock()

	// Begin to send it right away.
	go item.SendLoop(q)

	tr.Debugf("queued")
	return item.ID, nil
}

// Remove an item from the queue.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	delete(q.q, id)
	q.mu.Unlock()
}

// DumpString returns a human-readable string with the current queue.
// Useful for debugging purposes.
func (q *Queue) DumpString() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s := "# Queue status\n\n"
	s += fmt.Sprintf("date: %v\n", time.Now())
	s += fmt.Sprintf("length: %d\n\n", len(q.q))

	for id, item := range q.q {
		s += fmt.Sprintf("## Item %s\n", id)
		item.Lock()
		s += fmt.Sprintf("created at: %s\n", item.CreatedAt)
		s += fmt.Sprintf("from: %s\n", item.From)
		for _, rcpt := range item.Rcpt {
			s += fmt.Sprintf("%s %s\n", rcpt.Status, rcpt.Address)
			s += fmt.Sprintf("  last failure: %q\n", rcpt.LastFailureMessage)
		}
		item.Unlock()
		s += "\n"
	}

	return s
}

// An Item in the queue.
type Item struct {
	// Protect the entire item.
	sync.Mutex

	ID        string
	From      string
	Rcpt      []*Recipient
	Data      []byte
	CreatedAt time.Time
}

// SendLoop repeatedly attempts to send the item.
func (item *Item) SendLoop(q *Queue) {
	tr := trace.New("Queue.SendLoop", item.ID)
	defer tr.Finish()
	tr.Printf("from %s", item.From)

	for time.Since(item.CreatedAt) < q.GiveUpAfter {
		// Send to all recipients that are still pending.
		var wg sync.WaitGroup
		for _, rcpt := range item.Rcpt {
			if rcpt.Status != statusPending {
				continue
			}

			wg.Add(1)
			go item.sendOneRcpt(&wg, tr, q, rcpt)
		}
		wg.Wait()

		// If they're all done, no need to wait.
		if item.countRcpt(statusPending) == 0 {
			break
		}

		delay := nextDelay(item.CreatedAt)
		tr.Printf("waiting for %v", delay)
		maillog.QueueLoop(item.ID, item.From, delay)
		time.Sleep(delay)
	}

	tr.Printf("all done")
	maillog.QueueLoop(item.ID, item.From, 0)
	q.Remove(item.ID)
}

// sendOneRcpt, and update it with the results.
func (item *Item) sendOneRcpt(wg *sync.WaitGroup, tr *trace.Trace, q *Queue, rcpt *Recipient) {
	defer wg.Done()
	to := rcpt.Address
	tr.Debugf("%s sending", to)

	err, permanent := q.courier.Deliver(item.From, to, item.Data)

	item.Lock()
	if err != nil {
		rcpt.LastFailureMessage = err.Error()
		if permanent {
			deliverAttempts.Add("permanent-fail", 1)
			tr.Errorf("%s permanent error: %v", to, err)
			maillog.SendAttempt(item.ID, item.From, to, err, true)
			rcpt.Status = statusFailed
		} else {
			deliverAttempts.Add("temporary-fail", 1)
			tr.Printf("%s temporary error: %v", to, err)
			maillog.SendAttempt(item.ID, item.From, to, err, false)
		}
	} else {
		deliverAttempts.Add("sent", 1)
		tr.Printf("%s sent", to)
		maillog.SendAttempt(item.ID, item.From, to, nil, false)
		rcpt.Status = statusSent
	}
	item.Unlock()
}

// countRcpt counts how many recipients are in the given status.
func (item *Item) countRcpt(statuses ...status) int {
	item.Lock()
	defer item.Unlock()
	c := 0
	for _, rcpt := range item.Rcpt {
		for _, s := range statuses {
			if rcpt.Status == s {
				c++
				break
			}
		}
	}
	return c
}

func nextDelay(createdAt time.Time) time.Duration {
	var delay time.Duration

	since := time.Since(createdAt)
	switch {
	case since < 1*time.Minute:
		delay = 1 * time.Minute
	case since < 5*time.Minute:
		delay = 5 * time.Minute
	case since < 10*time.Minute:
		delay = 10 * time.Minute
	default:
		delay = 20 * time.Minute
	}

	// Perturb the delay, to avoid all queued emails being retried at the
	// exact same time.
	delay += time.Duration(rand.Int63n(int64(60 * time.Second)))
	return delay
}
