// Package cli implements the petsync command line: one-shot commands that
// edit and inspect the local state and drive a sync cycle, plus a watch
// mode that prints changes as they are applied.
//
//	petsync set pet/rex name=Rex hunger=3
//	petsync get pet/rex
//	petsync sync
//	petsync watch
//	petsync pending
//	petsync retry [mutation-id...]
//	petsync device
package cli
