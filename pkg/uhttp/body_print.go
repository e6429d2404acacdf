package uhttp

// Debugging facility for response bodies, enabled with WithPrintBody.

import (
	"io"

	"go.uber.org/zap"
)

type printReader struct {
	reader io.Reader
	l      *zap.Logger
}

func (pr *printReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.l.Debug("response body", zap.ByteString("chunk", p[:n]))
	}

	return n, err
}

func wrapPrintBody(body io.Reader, l *zap.Logger) io.Reader {
	return &printReader{reader: body, l: l}
}

func WithPrintBody(shouldPrint bool) WrapperOption {
	return func(c *BaseHttpClient) {
		c.debugPrintBody = shouldPrint
	}
}
