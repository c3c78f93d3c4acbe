package hostfs

import "os"

// platformInfo is the subset of stat metadata the archiver needs: the
// file mode (including the symlink bit), nothing else.
type platformInfo struct {
	Mode os.FileMode
}
