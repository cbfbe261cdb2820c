// Package docs holds the OpenAPI document served under /swagger when the
// server is built with -tags=swagger. Regenerate with:
//
//	swag init -g cmd/diffusiond/docs.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {"name": "MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/generations": {
            "get": {
                "produces": ["application/json"],
                "tags": ["generations"],
                "summary": "List recent generations",
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/types.GenerationStatus"}}}}
            },
            "post": {
                "description": "Without stream=1 the generation runs in the background and 202 is returned.\nWith stream=1 the response is NDJSON progress followed by the result.",
                "consumes": ["application/json"],
                "produces": ["application/json", "application/x-ndjson"],
                "tags": ["generations"],
                "summary": "Start a generation",
                "parameters": [
                    {"type": "boolean", "description": "stream progress as NDJSON", "name": "stream", "in": "query"},
                    {"description": "generation request", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.GenerationRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerationEvent"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.GenerationStatus"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/generations/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["generations"],
                "summary": "Generation progress",
                "parameters": [{"type": "string", "description": "generation id", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerationStatus"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            },
            "delete": {
                "produces": ["application/json"],
                "tags": ["generations"],
                "summary": "Cancel a generation",
                "parameters": [{"type": "string", "description": "generation id", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerationStatus"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/generations/{id}/result": {
            "get": {
                "produces": ["application/json"],
                "tags": ["generations"],
                "summary": "Finished generation output",
                "parameters": [
                    {"type": "string", "description": "generation id", "name": "id", "in": "path", "required": true},
                    {"type": "boolean", "description": "include frame data (default true)", "name": "frames", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerationResult"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List registered models",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}}
            }
        },
        "/profiles": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List residency profiles",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ProfilesResponse"}}}
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["status"],
                "summary": "Residency and engine status",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
            }
        }
    },
    "definitions": {
        "types.AdapterRef": {
            "type": "object",
            "properties": {
                "name": {"type": "string", "example": "film-grain"},
                "kind": {"type": "string", "example": "lora"},
                "tag": {"type": "string", "example": "style"},
                "strength": {"type": "number", "example": 0.5},
                "layers": {"type": "array", "items": {"type": "string"}},
                "signal": {"type": "array", "items": {"type": "array", "items": {"type": "number"}}}
            }
        },
        "types.Acceleration": {
            "type": "object",
            "properties": {
                "enabled": {"type": "boolean"},
                "tolerance": {"type": "number", "example": 0.05},
                "skip_early_steps": {"type": "integer"},
                "max_consecutive_skips": {"type": "integer"}
            }
        },
        "types.GenerationRequest": {
            "type": "object",
            "properties": {
                "model": {"type": "string", "example": "latentmix-small"},
                "prompt": {"type": "string", "example": "a lighthouse at dusk, slow pan"},
                "negative_prompt": {"type": "string"},
                "frames": {"type": "integer", "example": 40},
                "seed": {"type": "integer", "example": 42},
                "steps": {"type": "integer", "example": 20},
                "guidance_scale": {"type": "number", "example": 5},
                "window_frames": {"type": "integer", "example": 24},
                "overlap_frames": {"type": "integer", "example": 8},
                "profile": {"type": "string", "example": "low-vram"},
                "adapters": {"type": "array", "items": {"$ref": "#/definitions/types.AdapterRef"}},
                "acceleration": {"$ref": "#/definitions/types.Acceleration"}
            }
        },
        "types.GenerationStatus": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "state": {"type": "string", "example": "running"},
                "progress": {"type": "number", "example": 0.5},
                "window": {"type": "integer"},
                "windows": {"type": "integer"},
                "step": {"type": "integer"},
                "steps": {"type": "integer"},
                "error": {"type": "string"},
                "error_kind": {"type": "string", "example": "resource_exhausted"}
            }
        },
        "types.WindowInfo": {
            "type": "object",
            "properties": {
                "index": {"type": "integer"},
                "start": {"type": "integer"},
                "end": {"type": "integer"},
                "seed": {"type": "integer"}
            }
        },
        "types.GenerationResult": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "model": {"type": "string"},
                "profile": {"type": "string"},
                "frame_count": {"type": "integer"},
                "frame_shape": {"type": "array", "items": {"type": "integer"}},
                "frames": {"type": "array", "items": {"type": "array", "items": {"type": "number"}}},
                "windows": {"type": "array", "items": {"$ref": "#/definitions/types.WindowInfo"}},
                "logical_steps": {"type": "integer"},
                "computed_steps": {"type": "integer"},
                "skipped_steps": {"type": "integer"},
                "downgraded": {"type": "array", "items": {"type": "string"}},
                "warnings": {"type": "array", "items": {"type": "string"}},
                "duration_ms": {"type": "integer"}
            }
        },
        "types.GenerationEvent": {
            "type": "object",
            "properties": {
                "status": {"$ref": "#/definitions/types.GenerationStatus"},
                "result": {"$ref": "#/definitions/types.GenerationResult"},
                "error": {"$ref": "#/definitions/types.ErrorResponse"}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string", "example": "invalid JSON body"},
                "code": {"type": "integer", "example": 400},
                "kind": {"type": "string", "example": "invalid_request"}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "example": "latentmix-small"},
                "family": {"type": "string", "example": "latentmix"},
                "variant": {"type": "string"},
                "submodules": {"type": "array", "items": {"type": "string"}},
                "accepts": {"type": "array", "items": {"type": "string"}},
                "footprint_mb": {"type": "object", "additionalProperties": {"type": "integer"}}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {"models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}}
        },
        "types.Profile": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "budget_mb": {"type": "integer"},
                "margin_mb": {"type": "integer"},
                "precision": {"type": "string"},
                "pinned": {"type": "array", "items": {"type": "string"}},
                "swappable": {"type": "array", "items": {"type": "string"}},
                "eviction_order": {"type": "array", "items": {"type": "string"}}
            }
        },
        "types.ProfilesResponse": {
            "type": "object",
            "properties": {
                "active": {"type": "string"},
                "profiles": {"type": "array", "items": {"$ref": "#/definitions/types.Profile"}}
            }
        },
        "types.ModuleStatus": {
            "type": "object",
            "properties": {
                "model": {"type": "string"},
                "submodule": {"type": "string"},
                "location": {"type": "string"},
                "precision": {"type": "string"},
                "size_mb": {"type": "integer"},
                "last_used_unix": {"type": "integer"},
                "borrows": {"type": "integer"},
                "pinned": {"type": "boolean"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "profile": {"type": "string"},
                "budget_mb": {"type": "integer"},
                "margin_mb": {"type": "integer"},
                "resident_mb": {"type": "integer"},
                "host_mb": {"type": "integer"},
                "outstanding": {"type": "integer"},
                "modules": {"type": "array", "items": {"$ref": "#/definitions/types.ModuleStatus"}},
                "active_generations": {"type": "integer"},
                "evictions_total": {"type": "integer"},
                "promotions_total": {"type": "integer"},
                "loads_total": {"type": "integer"},
                "last_error": {"type": "string"},
                "uptime_seconds": {"type": "integer"},
                "server_time_unix": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "0.1",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "diffusiond API",
	Description:      "Memory-budgeted diffusion generation server.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
