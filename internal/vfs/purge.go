package vfs

// PurgeLogDirectory removes dir and everything under it, then recreates it
// empty. It is never called automatically by any backend or by Open — the
// caller decides when a clean-slate directory is wanted.
func PurgeLogDirectory(fs FS, dir string) error {
	if err := fs.RemoveAll(dir); err != nil {
		return err
	}
	return fs.MkdirAll(dir, 0o755)
}
