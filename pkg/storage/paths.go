package storage

import "strings"

// RootCollectionPath is the path of the root collection. It always
// exists and can never be removed.
const RootCollectionPath = "/db"

// TempCollectionPath is the reserved collection holding temporary
// fragments (see temp.go).
const TempCollectionPath = RootCollectionPath + "/system/temp"

// NormalizePath brings a collection path into canonical form: absolute,
// slash-separated, no trailing slash, and rooted under /db. Paths given
// without the /db prefix are accepted and prepended, matching what
// clients historically send.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return RootCollectionPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != RootCollectionPath && !strings.HasPrefix(path, RootCollectionPath+"/") {
		path = RootCollectionPath + path
	}
	return path
}

// SplitPath splits a resource path into its collection path and
// resource name. "/db/shakespeare/hamlet.xml" becomes
// ("/db/shakespeare", "hamlet.xml").
func SplitPath(path string) (collection, name string) {
	path = NormalizePath(path)
	i := strings.LastIndexByte(path, '/')
	return path[:i], path[i+1:]
}

// PathSegments returns the collection names below the root, in order.
// The root itself yields an empty slice.
func PathSegments(path string) []string {
	path = NormalizePath(path)
	if path == RootCollectionPath {
		return nil
	}
	return strings.Split(strings.TrimPrefix(path, RootCollectionPath+"/"), "/")
}

// ChildPath joins a collection path and a child name.
func ChildPath(parent, name string) string {
	return NormalizePath(parent) + "/" + name
}

// ParentPath returns the parent collection path, or the root for the
// root itself.
func ParentPath(path string) string {
	path = NormalizePath(path)
	if path == RootCollectionPath {
		return RootCollectionPath
	}
	i := strings.LastIndexByte(path, '/')
	if i <= len(RootCollectionPath)-1 {
		return RootCollectionPath
	}
	return path[:i]
}

// IsSubPath reports whether child lies strictly below parent.
func IsSubPath(child, parent string) bool {
	child, parent = NormalizePath(child), NormalizePath(parent)
	return child != parent && strings.HasPrefix(child, parent+"/")
}
