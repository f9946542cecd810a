package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryRegister(t *testing.T) {
	r := New()

	assert.True(t, r.TryRegister("/var/log/a.log"))
	assert.False(t, r.TryRegister("/var/log/a.log"))
	assert.True(t, r.TryRegister("/var/log/b.log"))

	assert.True(t, r.Contains("/var/log/a.log"))
	assert.False(t, r.Contains("/var/log/c.log"))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"/var/log/a.log", "/var/log/b.log"}, r.Paths())
}

func TestTryRegisterConcurrent(t *testing.T) {
	r := New()

	const workers = 64
	const paths = 10

	var wins [paths]atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for p := 0; p < paths; p++ {
				if r.TryRegister(fmt.Sprintf("/tmp/file-%d.log", p)) {
					wins[p].Add(1)
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	for p := 0; p < paths; p++ {
		assert.Equal(t, int32(1), wins[p].Load(), "path %d registered more than once", p)
	}
	assert.Equal(t, paths, r.Len())
}
