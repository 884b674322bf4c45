package images

import (
	"fmt"
	"strings"
)

const openAPITemplate = `%[1]s/logo:
  get:
    tags:
      - %[2]s
    summary: Site logo
    description: Returns the configured logo image. Any method is accepted.
    responses:
      '200':
        description: Logo image
        content:
          image/png: {}
      '404':
        description: No logo configured
%[1]s/file/{key}:
  get:
    tags:
      - %[2]s
    summary: Raw image
    description: Returns the stored PNG and marks the image as recently used.
    parameters:
      - name: key
        in: path
        required: true
        schema:
          type: string
        description: Key returned by the upload endpoint
    responses:
      '200':
        description: Image bytes
        content:
          image/png: {}
      '404':
        description: Unknown or expired key
%[1]s/{key}:
  get:
    tags:
      - %[2]s
    summary: Viewer page
    description: Returns the viewer page wrapping the image, or the invalid page for unknown keys.
    parameters:
      - name: key
        in: path
        required: true
        schema:
          type: string
    responses:
      '200':
        description: Rendered viewer page
        content:
          text/html: {}
%[1]s/upload/{any}:
  post:
    tags:
      - %[2]s
    summary: Upload image
    description: Stores an image as PNG under a new key
    parameters:
      - name: any
        in: path
        required: true
        schema:
          type: string
        description: Ignored
    requestBody:
      required: true
      content:
        multipart/form-data:
          schema:
            type: object
            properties:
              image:
                type: string
                format: binary
                description: The image file to upload
            required:
              - image
    responses:
      '200':
        description: Upload successful, or the invalid page when the form has no image
        content:
          application/xml:
            schema:
              type: object
              xml:
                name: response
              properties:
                status:
                  type: string
                  enum:
                    - success
                url:
                  type: string
                  format: uri
                thumb:
                  type: string
                  format: uri
          text/html: {}
      '422':
        description: The uploaded file is not a decodable image
      '500':
        description: Internal server error`

func GetOpenAPISpec(rootPath, tag string) string {
	if tag == "" {
		return ""
	}

	// Ensure rootPath doesn't have trailing slash
	rootPath = strings.TrimSuffix(rootPath, "/")

	return fmt.Sprintf(openAPITemplate, rootPath, tag)
}
