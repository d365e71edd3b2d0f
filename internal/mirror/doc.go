// Package mirror keeps a directory of JSON files and a bucket in step.
//
// Each object is stored as <escaped key>.json. Editing a file saves the
// object into the bucket and queues it for sync. Remote edits received by the
// bucket's channel are written back to the files.
//
// # Architecture
//
//   - FileWatcher: fsnotify events for *.json files in one directory
//   - Daemon: debounces file events, saves them into the bucket, and writes
//     network changes back to disk
//
// # Usage
//
//	b, _ := bucket.New("notes", store, endpoint, nil)
//	d, err := mirror.New(b, "/path/to/notes")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	b.AddListener(d)
//	b.Start()
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Echoes
//
// Files are written through a hidden temp file and renamed into place, so the
// watcher never sees a half-written object. The rename is still reported as a
// file change; the daemon skips files whose content equals the stored object.
//
// Network changes are written on the channel's goroutine. The daemon never
// calls back into the bucket from there.
package mirror
