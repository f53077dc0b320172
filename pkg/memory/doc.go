// Package memory defines the contract shared by every flash device driver.
//
// Erase and program requests return as soon as they are issued; the result
// is observed with PendEvent. Only one request is in flight per device and
// issuing another one while it runs fails with ErrBusy.
//
// A request that fails in the middle of an erase or program leaves the
// affected range in an undefined state. Nothing is rolled back; callers that
// care must erase and rewrite the range.
package memory
