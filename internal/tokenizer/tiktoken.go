package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter returns an exact token count for a text.
type Counter interface {
	Count(text string) (int, error)
}

// TiktokenCounter counts tokens exactly for OpenAI-family models. BPE counts
// are not monotonic under appends, so this is reported alongside the
// estimate, never in place of it.
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter creates a counter for the given tiktoken encoding
// ("cl100k_base", "o200k_base"). An empty name selects o200k_base.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "o200k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

// init lazily loads the encoding; the BPE data may be downloaded on first use.
func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Count implements Counter.
func (t *TiktokenCounter) Count(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Name returns the counter's encoding label.
func (t *TiktokenCounter) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
