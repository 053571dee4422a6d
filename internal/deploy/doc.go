// Package deploy materializes application code into a site's document
// root.
//
// A run goes through Fetch, Detect, Install, Build and Switch. Everything
// before Switch happens in <web_root>/<domain>/.staging/<id>; a failure or
// cancellation there discards the staging tree and the live release is
// never touched. Switch renames the tree into releases/<id> and swaps the
// current symlink in one rename, keeping the old target as previous so
// Rollback is a single symlink swap.
//
// Framework detection is a closed set of marker files (see Detect); trees
// that match none, or more than one, are deployed as static with no build
// commands.
//
// Git credentials come from a CredentialStore and are handed to git as a
// per-invocation header. They are never written to disk.
package deploy
