// Package restyutil dumps the http exchanges of a resty client for offline inspection.
package restyutil

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

// Dump writes every response received by `client` to `output`, named
// `<sequence>-<last path segment>`. `output` can be nil, then this is a no-op.
func Dump(client *resty.Client, output Output) {
	if output == nil {
		return
	}

	var idcounter uint64
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		id := atomic.AddUint64(&idcounter, 1)

		name := res.Request.URL
		if res.Request.RawRequest != nil {
			name = res.Request.RawRequest.URL.Path
		}
		name = strings.Trim(name, "/")
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}

		output.Write(fmt.Sprintf("%03d-%s", id, name), formatHttpMessage(res))
		return nil
	})
}
