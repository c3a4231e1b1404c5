// Package blockdev implements a block-level append-and-invalidate data
// service: a fixed-size array of equal-size blocks on a backing device
// ([pkg/blockio]), exposing three primitives — [Service.Place],
// [Service.Fetch], and [Service.Invalidate] — plus an ordered streaming read
// of all currently-valid payloads ([Service.StreamRead]).
//
// # Basic usage
//
//	dev, err := blockio.OpenFileDevice(fs.NewReal(), "/tmp/dev.img", 4096, 64, false, blockio.WritebackAsync)
//	svc, err := blockdev.Mount(dev, blockdev.Options{})
//	defer svc.Unmount()
//
//	idx, err := svc.Place([]byte("hello"))
//	n, err := svc.Fetch(idx, buf)
//	err = svc.Invalidate(idx)
//
//	sess, err := svc.OpenSession()
//	defer svc.CloseSession(sess)
//	var offset int64
//	n, err = svc.StreamRead(sess, buf, &offset)
//
// # Concurrency
//
// Multiple goroutines may call [Service] methods concurrently. At most one
// structural mutation ([Service.Place], [Service.Invalidate]) runs at a
// time; reads ([Service.Fetch], [Service.StreamRead]) never block on each
// other or on a concurrent mutation, coordinated through a grace-period
// reader barrier rather than per-block locks. See [Service] for details.
//
// # Error handling
//
// Errors fall into the categories documented on the sentinel values in
// errors.go: validation ([ErrOutOfRange], [ErrPayloadTooLarge]), exhaustion
// ([ErrNoSpace]), logical ([ErrNoData]), lifecycle ([ErrNotMounted],
// [ErrAlreadyMounted]), and transient I/O ([ErrIOFault], which degrades the
// service to [ErrDegraded] if local rollback itself fails).
package blockdev
