// Package contexthelper holds small context utilities shared by the
// storage and worker layers.
package contexthelper

import "context"

// CheckCancellation returns the context's error once it has been
// cancelled, so polling loops can bail out between store calls.
func CheckCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}
