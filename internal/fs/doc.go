// Package fs abstracts the filesystem calls made by the shard write logs and
// the local blob store so that tests can inject I/O failures.
//
// Production code uses [Default], a thin wrapper over package os. Tests wrap
// it in a [FaultyFS] and register rules keyed by a path fragment:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".log", fs.Fault{FailOnSync: true})
//
// The package has no context.Context parameters. Local filesystem calls are
// not interruptible at the syscall level; remote stores go through
// blobstore.Store instead.
package fs
