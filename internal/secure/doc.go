// Package secure keeps freshly rotated secret values encrypted in memory.
//
// A rotation produces a cleartext value that later steps (shell profile
// updates, reporting) still need. Between those steps the value lives in a
// memguard enclave: encrypted with XSalsa20Poly1305, held in mlocked pages
// where the platform allows it, and wiped on Destroy.
//
//	buf := secure.NewBuffer(result.Value)
//	defer buf.Destroy()
//
//	err := buf.With(func(value string) error {
//	    _, err := bridge.Set(path, "", value)
//	    return err
//	})
//
// Stash groups buffers by secret path for batch runs. Call memguard.Purge
// (or Stash.Destroy) before exit.
//
// This does not protect against an attacker with access to the running
// process, nor against hardware side channels.
package secure
