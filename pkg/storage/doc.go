// Package storage retains archives of installed plugin trees.
//
// Every successful install or update stores a zip of the tree that was put in
// place, keyed by plugin, install time and version:
//
//	plugins/<plugin-id>/<20060102T150405Z>-<version>.zip
//
// Keys of one plugin sort by install time, which lets Prune keep only the
// newest archives. Two backends implement ArchiveStore:
//
//   - FileSystemStore writes below a local directory, renaming finished
//     uploads into place.
//   - S3Store writes to an S3 or MinIO bucket with the AWS SDK v2 and records
//     the SHA-256 of each archive in the object metadata.
//
// Archives are an audit trail for operators. The lifecycle manager does not
// read them back; rollback works on the previous tree kept on disk.
package storage
