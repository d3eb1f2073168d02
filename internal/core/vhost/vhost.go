// Package vhost renders nginx server blocks for published sites. All
// functions are pure; the shell's nginx manager stages, validates and
// activates the rendered text.
package vhost

import (
	"fmt"
	"strings"
)

// Params describes one site's public routing.
type Params struct {
	// Domain is the public hostname. The block also answers for its www
	// variant.
	Domain string

	// Port is the host port the site's web container binds.
	Port int

	// ControlPlanePort is where the management API listens. When
	// positive, requests under /api/ on the site's domain route there
	// instead of to the site. Zero omits the block.
	ControlPlanePort int
}

const apiLocationTemplate = `    location /api/ {
        proxy_pass http://127.0.0.1:%d;
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }

`

const siteLocationTemplate = `    location / {
        proxy_pass http://localhost:%d;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection 'upgrade';
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_cache_bypass $http_upgrade;
        proxy_connect_timeout 60s;
        proxy_send_timeout 60s;
        proxy_read_timeout 60s;
    }
`

// Render produces the nginx server block for a site. WordPress admin
// operations (imports, plugin installs) can run long, hence the 60s
// proxy timeouts; the Upgrade/Connection pair keeps websocket-based
// plugins working through the proxy.
func Render(p Params) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "server {\n    listen 80;\n    server_name %s www.%s;\n\n", p.Domain, p.Domain)
	if p.ControlPlanePort > 0 {
		fmt.Fprintf(&b, apiLocationTemplate, p.ControlPlanePort)
	}
	fmt.Fprintf(&b, siteLocationTemplate, p.Port)
	b.WriteString("}\n")

	return []byte(b.String())
}
