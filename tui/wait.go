package tui

import "time"

// WaitWithStop keeps the final screen up for d unless the user stops first.
func WaitWithStop(u *UI, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.stopChan:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
