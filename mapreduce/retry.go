package mapreduce

import "time"

// withRetry runs fn up to attempts times, sleeping delay between
// failed attempts, and returns the last error. Used for shuffle and
// control connection establishment.
func withRetry(attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
