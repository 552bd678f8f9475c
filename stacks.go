package wsys

// optional debug aid for wsrv: on SIGQUIT print every
// goroutine stack except the garbage collector's, then exit.

import (
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"
)

var gcStackMarkers = []string{
	"GC sweep wait",
	"GC scavenge wait",
	"runtime/mgcsweep.go",
	"runtime/mgcscavenge.go",
}

// allStacks is runtime.Stack for every goroutine, growing
// the buffer until the dump fits.
func allStacks() []byte {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}

// filterStacks drops the garbage collector's goroutines from
// a runtime.Stack dump.
func filterStacks(dump []byte) string {
	var keep []string
	for _, stack := range strings.Split(string(dump), "\n\n") {
		gc := false
		for _, mark := range gcStackMarkers {
			if strings.Contains(stack, mark) {
				gc = true
				break
			}
		}
		if !gc {
			keep = append(keep, stack)
		}
	}
	return strings.Join(keep, "\n\n")
}

// DumpStacksOnQuit installs the SIGQUIT handler. The dump
// goes to w (os.Stderr when nil) and the process exits 1.
func DumpStacksOnQuit(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGQUIT)
	go func() {
		for range ch {
			ts := "\n" + time.Now().In(gtz).Format("2006-01-02 15:04:05.999 -0700 MST")
			io.WriteString(w, ts)
			io.WriteString(w, " SIGQUIT: goroutine stacks, gc filtered:\n\n")
			io.WriteString(w, filterStacks(allStacks()))
			os.Exit(1)
		}
	}()
}
