package stack

import (
	"fmt"
	"strings"
)

// =============================================================================
// Defaults and Fixed Names
// =============================================================================

const (
	// DefaultWebImage is the WordPress image used when none is configured.
	DefaultWebImage = "wordpress:6.4-apache"
	// DefaultDBImage is the MySQL image used when none is configured.
	DefaultDBImage = "mysql:8.0"

	// WebServiceName and DBServiceName are the fixed service names inside
	// every site stack. The web service reaches the database by service
	// name over the stack network.
	WebServiceName = "web"
	DBServiceName  = "db"

	// UploadsVolume and DBDataVolume are the document-local volume names.
	// The engine driver prefixes them with the site name when it creates
	// the real volumes.
	UploadsVolume = "uploads"
	DBDataVolume  = "db_data"

	// ComposeFileName and EnvFileName are the files written into each
	// site directory. ContentDirName is the bind-mounted theme/plugin
	// tree.
	ComposeFileName = "docker-compose.yml"
	EnvFileName     = ".env"
	ContentDirName  = "wp-content"
)

const (
	webHTTPPort = 80

	contentMountTarget = "/var/www/html/wp-content"
	uploadsMountTarget = "/var/www/html/wp-content/uploads"
	dbDataMountTarget  = "/var/lib/mysql"
)

// Database healthcheck cadence: a cheap ping, retried briefly. The web
// service's health-gated depends_on means these numbers bound how long a
// broken database delays the whole stack.
const (
	dbHealthInterval = "5s"
	dbHealthTimeout  = "5s"
	dbHealthRetries  = 10
)

// DomainLabel carries the site's public domain on the web service so the
// serving container is self-describing under `docker inspect`.
const DomainLabel = "com.pressmux.domain"

// =============================================================================
// Builder
// =============================================================================

// Params carries everything Build needs to render a site stack.
type Params struct {
	SiteName       string
	Domain         string
	Port           int
	DBName         string
	DBUser         string
	DBPassword     string
	DBRootPassword string

	// Optional image overrides; defaults apply when empty.
	WebImage string
	DBImage  string
}

// Build renders the two-service stack for a site. The web service binds
// the allocated host port, receives its database wiring through the
// standard WordPress environment variables, and must not start before
// the database container reports healthy. Database data and uploaded
// media live on separate named volumes so theme redeploys and stack
// recreation leave both intact; theme and plugin files are bind-mounted
// from the site directory's wp-content tree.
//
// Build has no side effects. The result is rendered by Render and acted
// on by the engine driver.
func Build(p Params) Document {
	webImage := p.WebImage
	if webImage == "" {
		webImage = DefaultWebImage
	}
	dbImage := p.DBImage
	if dbImage == "" {
		dbImage = DefaultDBImage
	}

	web := ServiceDef{
		Image:         webImage,
		ContainerName: fmt.Sprintf("%s-web", p.SiteName),
		Restart:       string(RestartUnlessStopped),
		Ports: []string{
			fmt.Sprintf("%d:%d", p.Port, webHTTPPort),
		},
		Environment: map[string]string{
			"WORDPRESS_DB_HOST":     DBServiceName,
			"WORDPRESS_DB_NAME":     p.DBName,
			"WORDPRESS_DB_USER":     p.DBUser,
			"WORDPRESS_DB_PASSWORD": p.DBPassword,
		},
		Volumes: []string{
			fmt.Sprintf("./%s:%s", ContentDirName, contentMountTarget),
			fmt.Sprintf("%s:%s", UploadsVolume, uploadsMountTarget),
		},
		Labels: map[string]string{
			DomainLabel: p.Domain,
		},
		DependsOn: map[string]DependsOnDef{
			DBServiceName: {Condition: ConditionHealthy},
		},
	}

	db := ServiceDef{
		Image:         dbImage,
		ContainerName: fmt.Sprintf("%s-db", p.SiteName),
		Restart:       string(RestartUnlessStopped),
		Environment: map[string]string{
			"MYSQL_DATABASE":      p.DBName,
			"MYSQL_USER":          p.DBUser,
			"MYSQL_PASSWORD":      p.DBPassword,
			"MYSQL_ROOT_PASSWORD": p.DBRootPassword,
		},
		Volumes: []string{
			fmt.Sprintf("%s:%s", DBDataVolume, dbDataMountTarget),
		},
		HealthCheck: &HealthCheckDef{
			Test:     []string{"CMD", "mysqladmin", "ping", "-h", "localhost"},
			Interval: dbHealthInterval,
			Timeout:  dbHealthTimeout,
			Retries:  dbHealthRetries,
		},
	}

	return Document{
		Services: map[string]ServiceDef{
			WebServiceName: web,
			DBServiceName:  db,
		},
		Volumes: map[string]VolumeDef{
			UploadsVolume: {},
			DBDataVolume:  {},
		},
	}
}

// =============================================================================
// Env File
// =============================================================================

// RenderEnvFile renders the operator-facing .env summary written next to
// the stack document. Nothing parses it back; it exists so an operator
// shelled into the site directory can see how the stack is wired without
// digging through the compose file.
func RenderEnvFile(p Params) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "SITE_NAME=%s\n", p.SiteName)
	fmt.Fprintf(&b, "DOMAIN=%s\n", p.Domain)
	fmt.Fprintf(&b, "PORT=%d\n", p.Port)
	fmt.Fprintf(&b, "DB_NAME=%s\n", p.DBName)
	fmt.Fprintf(&b, "DB_USER=%s\n", p.DBUser)
	fmt.Fprintf(&b, "DB_PASSWORD=%s\n", p.DBPassword)
	fmt.Fprintf(&b, "DB_ROOT_PASSWORD=%s\n", p.DBRootPassword)
	return []byte(b.String())
}
