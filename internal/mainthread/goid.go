package mainthread

import "runtime"

// goroutineID parses the current goroutine id from the stack header
// ("goroutine NNN [running]:"). Only used for the advisory wrong-goroutine
// warning, never for correctness.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int64
	for i := len("goroutine "); i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
