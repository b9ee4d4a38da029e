package methods

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Catalog indexes the methods of a set of files by wire name.
type Catalog struct {
	files   []protoreflect.FileDescriptor
	methods map[string]Method
}

// NewCatalog indexes every service method declared in files.
func NewCatalog(files ...protoreflect.FileDescriptor) *Catalog {
	c := &Catalog{methods: make(map[string]Method)}
	for _, fd := range files {
		c.files = append(c.files, fd)
		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			mds := svcs.Get(i).Methods()
			for j := 0; j < mds.Len(); j++ {
				m := Describe(mds.Get(j))
				c.methods[m.FullName] = m
			}
		}
	}
	return c
}

// LoadDescriptorSet reads a serialized FileDescriptorSet, as written by
// `protoc --include_imports -o`, and catalogs its files.
func LoadDescriptorSet(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("methods: parse %s: %w", path, err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, fmt.Errorf("methods: resolve %s: %w", path, err)
	}
	var fds []protoreflect.FileDescriptor
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		fds = append(fds, fd)
		return true
	})
	sort.Slice(fds, func(i, j int) bool { return fds[i].Path() < fds[j].Path() })
	return NewCatalog(fds...), nil
}

// Find looks a method up by wire name. "pkg.Svc/Method" and
// "pkg.Svc.Method" are accepted too.
func (c *Catalog) Find(name string) (Method, error) {
	if m, ok := c.methods[normalize(name)]; ok {
		return m, nil
	}
	return Method{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func normalize(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if !strings.Contains(name, "/") {
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[:i] + "/" + name[i+1:]
		}
	}
	return "/" + name
}

// Methods lists the catalog sorted by wire name.
func (c *Catalog) Methods() []Method {
	out := make([]Method, 0, len(c.methods))
	for _, m := range c.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// Files returns the cataloged files in the order given.
func (c *Catalog) Files() []protoreflect.FileDescriptor { return c.files }
