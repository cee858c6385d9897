package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageID(t *testing.T) {
	t.Run("ids are strictly increasing", func(t *testing.T) {
		prev := NewMessageID()
		for i := 0; i < 50; i++ {
			next := NewMessageID()
			require.Len(t, next, 26)
			assert.Less(t, prev, next)
			prev = next
		}
	})

	t.Run("ids are unique across goroutines", func(t *testing.T) {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]struct{})
		)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					id := NewMessageID()
					mu.Lock()
					seen[id] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 200)
	})

	t.Run("Time recovers the creation timestamp", func(t *testing.T) {
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		assert.True(t, Time(newAt(at)).Equal(at))
		assert.True(t, Time("not-a-ulid").IsZero())
	})
}
