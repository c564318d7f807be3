// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package middleware

import (
	"bytes"
	"context"
	"testing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
)

func ok(ctx context.Context, c *app.RequestContext) {
	c.JSON(200, map[string]string{"status": "ok"})
}

func TestCORS(t *testing.T) {
	m := NewMiddleware("")
	h := server.Default(server.WithHostPorts(":0"))
	h.Use(m.CORS())
	h.GET("/x", ok)
	h.OPTIONS("/x", ok)

	w := ut.PerformRequest(h.Engine, "GET", "/x", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "*", string(w.Result().Header.Peek("Access-Control-Allow-Origin")))

	w = ut.PerformRequest(h.Engine, "OPTIONS", "/x", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	assert.Equal(t, 204, w.Result().StatusCode())
}

func TestRateLimit(t *testing.T) {
	m := NewMiddleware("")
	h := server.Default(server.WithHostPorts(":0"))
	h.Use(m.RateLimit(1))
	h.GET("/x", ok)

	w := ut.PerformRequest(h.Engine, "GET", "/x", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	assert.Equal(t, 200, w.Result().StatusCode())
	w = ut.PerformRequest(h.Engine, "GET", "/x", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	assert.Equal(t, 429, w.Result().StatusCode())
}

func TestRateLimitDisabled(t *testing.T) {
	m := NewMiddleware("")
	h := server.Default(server.WithHostPorts(":0"))
	h.Use(m.RateLimit(0), m.AccessLog())
	h.GET("/x", ok)

	for i := 0; i < 5; i++ {
		w := ut.PerformRequest(h.Engine, "GET", "/x", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
		assert.Equal(t, 200, w.Result().StatusCode())
	}
}
