package methods

import (
	"io"

	"github.com/jhump/protoreflect/v2/protoprint"
)

// Render writes the cataloged files as .proto source.
func Render(c *Catalog, w io.Writer) error {
	pp := protoprint.Printer{}
	for _, fd := range c.Files() {
		if err := pp.PrintProtoFile(fd, w); err != nil {
			return err
		}
	}
	return nil
}
