package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "School Enterprise Core API",
        "description": "Fee ledger, versioned student records, daily attendance and the audit trail.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "tags": [
        {
            "name": "Auth",
            "description": "Sign-in"
        },
        {
            "name": "Ledger",
            "description": "Append-only fee ledger"
        },
        {
            "name": "Students",
            "description": "Versioned student records"
        },
        {
            "name": "Attendance",
            "description": "Daily read-only attendance"
        },
        {
            "name": "Audit",
            "description": "Write-once audit trail"
        },
        {
            "name": "Metrics",
            "description": "Operational counters"
        }
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": [
                    "Auth"
                ],
                "summary": "Login user",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/LoginRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Token issued",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "401": {
                        "description": "Invalid credentials",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/ledger/transactions": {
            "post": {
                "tags": [
                    "Ledger"
                ],
                "summary": "Post a fee ledger transaction",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/PostTransactionRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Posted",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Invalid payload",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "422": {
                        "description": "Business rule violated",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/ledger/transactions/{id}/reverse": {
            "post": {
                "tags": [
                    "Ledger"
                ],
                "summary": "Reverse a fee ledger transaction",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "id",
                        "required": true,
                        "type": "string",
                        "description": "Transaction ID"
                    },
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/ReverseTransactionPayload"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Reversed",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "422": {
                        "description": "Already reversed",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/ledger/accounts/{studentId}": {
            "get": {
                "tags": [
                    "Ledger"
                ],
                "summary": "Get a student's fee balance",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "studentId",
                        "required": true,
                        "type": "string",
                        "description": "Student school ID"
                    },
                    {
                        "in": "query",
                        "name": "academicYear",
                        "required": false,
                        "type": "string",
                        "description": "Academic year (YYYY-YY), defaults to the current one"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/ledger/accounts/{studentId}/entries": {
            "get": {
                "tags": [
                    "Ledger"
                ],
                "summary": "List ledger entries of an account, optionally as a CSV statement",
                "produces": [
                    "application/json",
                    "text/csv"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "studentId",
                        "required": true,
                        "type": "string",
                        "description": "Student school ID"
                    },
                    {
                        "in": "query",
                        "name": "academicYear",
                        "required": false,
                        "type": "string",
                        "description": "Academic year (YYYY-YY), defaults to the current one"
                    },
                    {
                        "in": "query",
                        "name": "format",
                        "required": false,
                        "type": "string",
                        "enum": [
                            "json",
                            "csv"
                        ],
                        "description": "Response format"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/ledger/accounts/{studentId}/verify": {
            "get": {
                "tags": [
                    "Ledger"
                ],
                "summary": "Recompute a balance from its entries",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "studentId",
                        "required": true,
                        "type": "string",
                        "description": "Student school ID"
                    },
                    {
                        "in": "query",
                        "name": "academicYear",
                        "required": false,
                        "type": "string",
                        "description": "Academic year (YYYY-YY), defaults to the current one"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/students": {
            "post": {
                "tags": [
                    "Students"
                ],
                "summary": "Enrol a student",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/CreateStudentRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Created",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Identity already exists",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/students/{id}": {
            "get": {
                "tags": [
                    "Students"
                ],
                "summary": "Get student detail",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "id",
                        "required": true,
                        "type": "string",
                        "description": "School ID"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            },
            "patch": {
                "tags": [
                    "Students"
                ],
                "summary": "Update student fields",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "id",
                        "required": true,
                        "type": "string",
                        "description": "School ID"
                    },
                    {
                        "in": "header",
                        "name": "If-Match",
                        "required": false,
                        "type": "integer",
                        "description": "Expected version"
                    },
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/UpdateStudentRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Updated",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Version conflict",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/students/{id}/history": {
            "get": {
                "tags": [
                    "Students"
                ],
                "summary": "List every version of a student",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "id",
                        "required": true,
                        "type": "string",
                        "description": "School ID"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/students/{id}/history/{version}": {
            "get": {
                "tags": [
                    "Students"
                ],
                "summary": "Get one version of a student",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "id",
                        "required": true,
                        "type": "string",
                        "description": "School ID"
                    },
                    {
                        "in": "path",
                        "name": "version",
                        "required": true,
                        "type": "integer",
                        "description": "Version number"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/attendance/classes": {
            "post": {
                "tags": [
                    "Attendance"
                ],
                "summary": "Mark a class section's attendance for a day",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/MarkClassAttendanceRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Recorded",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Already marked",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "422": {
                        "description": "Outside the marking window",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/attendance/teachers": {
            "post": {
                "tags": [
                    "Attendance"
                ],
                "summary": "Mark teaching staff attendance for a day",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/MarkAttendanceRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Recorded",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Already marked",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "422": {
                        "description": "Outside the marking window",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/attendance/staff": {
            "post": {
                "tags": [
                    "Attendance"
                ],
                "summary": "Mark support staff attendance for a day",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/MarkAttendanceRequest"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Recorded",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Already marked",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "422": {
                        "description": "Outside the marking window",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/attendance/{id}": {
            "get": {
                "tags": [
                    "Attendance"
                ],
                "summary": "Get a recorded attendance day",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "path",
                        "name": "id",
                        "required": true,
                        "type": "string",
                        "description": "Record key, e.g. 2024-06-03_class-5_A"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/audit-logs": {
            "get": {
                "tags": [
                    "Audit"
                ],
                "summary": "Query the audit trail",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "in": "query",
                        "name": "entityType",
                        "required": false,
                        "type": "string",
                        "description": "Entity type"
                    },
                    {
                        "in": "query",
                        "name": "entityId",
                        "required": false,
                        "type": "string",
                        "description": "Entity ID"
                    },
                    {
                        "in": "query",
                        "name": "userId",
                        "required": false,
                        "type": "string",
                        "description": "Actor user ID"
                    },
                    {
                        "in": "query",
                        "name": "action",
                        "required": false,
                        "type": "string",
                        "description": "Audit action"
                    },
                    {
                        "in": "query",
                        "name": "limit",
                        "required": false,
                        "type": "integer",
                        "description": "Maximum rows (default 50, max 200)"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/metrics/summary": {
            "get": {
                "tags": [
                    "Metrics"
                ],
                "summary": "Operational counters",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "required": [
                "email",
                "password"
            ],
            "properties": {
                "email": {
                    "type": "string"
                },
                "password": {
                    "type": "string"
                }
            }
        },
        "PostTransactionRequest": {
            "type": "object",
            "required": [
                "type",
                "amount",
                "student_id"
            ],
            "properties": {
                "type": {
                    "type": "string",
                    "enum": [
                        "CREDIT",
                        "DEBIT"
                    ]
                },
                "amount": {
                    "type": "string",
                    "example": "1200.00"
                },
                "student_id": {
                    "type": "string"
                },
                "academic_year": {
                    "type": "string"
                },
                "fee_category_id": {
                    "type": "string"
                },
                "description": {
                    "type": "string"
                },
                "reference_id": {
                    "type": "string"
                }
            }
        },
        "ReverseTransactionPayload": {
            "type": "object",
            "required": [
                "student_id",
                "reason"
            ],
            "properties": {
                "student_id": {
                    "type": "string"
                },
                "academic_year": {
                    "type": "string"
                },
                "reason": {
                    "type": "string"
                }
            }
        },
        "CreateStudentRequest": {
            "type": "object",
            "required": [
                "full_name",
                "class_id",
                "section_id"
            ],
            "properties": {
                "full_name": {
                    "type": "string"
                },
                "gender": {
                    "type": "string"
                },
                "date_of_birth": {
                    "type": "string"
                },
                "class_id": {
                    "type": "string"
                },
                "section_id": {
                    "type": "string"
                },
                "roll_number": {
                    "type": "string"
                },
                "guardian_name": {
                    "type": "string"
                },
                "guardian_phone": {
                    "type": "string"
                },
                "email": {
                    "type": "string"
                },
                "address": {
                    "type": "string"
                }
            }
        },
        "UpdateStudentRequest": {
            "type": "object",
            "properties": {
                "full_name": {
                    "type": "string"
                },
                "gender": {
                    "type": "string"
                },
                "date_of_birth": {
                    "type": "string"
                },
                "class_id": {
                    "type": "string"
                },
                "section_id": {
                    "type": "string"
                },
                "roll_number": {
                    "type": "string"
                },
                "guardian_name": {
                    "type": "string"
                },
                "guardian_phone": {
                    "type": "string"
                },
                "email": {
                    "type": "string"
                },
                "address": {
                    "type": "string"
                },
                "status": {
                    "type": "string",
                    "enum": [
                        "ACTIVE",
                        "INACTIVE",
                        "ALUMNI"
                    ]
                },
                "expected_version": {
                    "type": "integer"
                }
            }
        },
        "MarkClassAttendanceRequest": {
            "type": "object",
            "required": [
                "date",
                "class_id",
                "section_id",
                "records"
            ],
            "properties": {
                "date": {
                    "type": "string",
                    "example": "2024-06-03"
                },
                "class_id": {
                    "type": "string"
                },
                "section_id": {
                    "type": "string"
                },
                "records": {
                    "type": "object",
                    "additionalProperties": {
                        "type": "string",
                        "enum": [
                            "P",
                            "A"
                        ]
                    }
                }
            }
        },
        "MarkAttendanceRequest": {
            "type": "object",
            "required": [
                "date",
                "records"
            ],
            "properties": {
                "date": {
                    "type": "string",
                    "example": "2024-06-03"
                },
                "records": {
                    "type": "object",
                    "additionalProperties": {
                        "type": "string",
                        "enum": [
                            "P",
                            "A"
                        ]
                    }
                }
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {
                    "type": "integer"
                },
                "page_size": {
                    "type": "integer"
                },
                "total_count": {
                    "type": "integer"
                }
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {
                    "type": "string"
                },
                "message": {
                    "type": "string"
                },
                "status": {
                    "type": "integer"
                }
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {
                    "type": "object"
                },
                "error": {
                    "$ref": "#/definitions/APIError"
                },
                "pagination": {
                    "$ref": "#/definitions/Pagination"
                },
                "meta": {
                    "type": "object"
                }
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
