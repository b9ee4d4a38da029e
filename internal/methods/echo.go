package methods

import (
	"strings"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// EchoService is the full name of the built-in demo service.
const EchoService = "callchain.echo.Echo"

// EchoFile builds the demo service: one method per call shape, all taking
// and returning a message with a single text field.
//
//	Say     unary
//	Collect client-streaming
//	Expand  server-streaming
//	Chat    bidi-streaming
func EchoFile() (protoreflect.FileDescriptor, error) {
	fb := protobuilder.NewFile("callchain/echo.proto")
	fb.SetPackageName("callchain.echo")
	fb.SetSyntax(protoreflect.Proto3)

	req := textMessage("EchoRequest", "Text sent by the client.")
	resp := textMessage("EchoResponse", "Text returned by the server.")
	fb.AddMessage(req)
	fb.AddMessage(resp)

	sb := protobuilder.NewService("Echo")
	sb.SetComments(comment("Echo answers with the text it receives."))
	for _, m := range []struct {
		name           protoreflect.Name
		client, server bool
	}{
		{"Say", false, false},
		{"Collect", true, false},
		{"Expand", false, true},
		{"Chat", true, true},
	} {
		sb.AddMethod(protobuilder.NewMethod(m.name,
			protobuilder.RpcTypeMessage(req, m.client),
			protobuilder.RpcTypeMessage(resp, m.server),
		))
	}
	fb.AddService(sb)
	return fb.Build()
}

// EchoCatalog catalogs EchoFile.
func EchoCatalog() (*Catalog, error) {
	fd, err := EchoFile()
	if err != nil {
		return nil, err
	}
	return NewCatalog(fd), nil
}

func textMessage(name protoreflect.Name, doc string) *protobuilder.MessageBuilder {
	mb := protobuilder.NewMessage(name)
	f := protobuilder.NewField("text", protobuilder.FieldTypeScalar(protoreflect.StringKind))
	f.SetNumber(1)
	f.SetComments(comment(doc))
	mb.AddField(f)
	return mb
}

func comment(desc string) protobuilder.Comments {
	if desc == "" {
		return protobuilder.Comments{}
	}
	lines := strings.Split(desc, "\n")
	for i, line := range lines {
		lines[i] = " " + line
	}
	return protobuilder.Comments{LeadingComment: strings.Join(lines, "\n") + "\n"}
}
