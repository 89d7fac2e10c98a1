package swagger

//go:generate swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --parseDependency --generatedTime=false
//go:generate go run ./internal/swaggerhtml --spec docs/swagger.json --out docs/swagger.html --title "Lucid API reference"

// @title           Lucid API
// @version         0.0
// @description     Lucid is an in-memory key-value store. Values are raw bytes addressed by slash separated keys under /api/kv, with optional encryption at rest and a server-sent event stream of changes.
// @contact.name    Michel Blomgren
// @contact.email   sa6mwa@gmail.com
// @contact.url     https://pkt.systems
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @BasePath        /
// @schemes         http https
// @accept          octet-stream
// @produce         json
// @tag.name        kv
// @tag.description Read, write, delete, lock and patch values.
// @tag.name        notifications
// @tag.description Server-sent change events.
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
// @description                 HS256 signed token in the form "Bearer <token>". Not required when the server runs with --auth=false.

// Package swagger provides go:generate hooks for producing OpenAPI assets.
type Package struct{}
