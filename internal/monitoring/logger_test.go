package monitoring

import (
	"fmt"
	"sync"
	"testing"
)

func TestSetLogger(t *testing.T) {
	defer ResetLogger()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestComponent_PrefixesAndFollowsSetLogger(t *testing.T) {
	defer ResetLogger()

	logf := Component("capture")

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	logf("sweep %d done", 3)

	if got != "[capture] sweep 3 done" {
		t.Errorf("got %q", got)
	}
}

func TestSetLogger_ConcurrentWithLogf(t *testing.T) {
	defer ResetLogger()
	SetLogger(nil)

	logf := Component("api")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			logf("request %d", i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				SetLogger(nil)
			} else {
				SetLogger(func(string, ...interface{}) {})
			}
		}
	}()
	wg.Wait()
}
