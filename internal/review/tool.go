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

package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// einoTool 把 review_gate_chat 暴露为 Eino InvokableTool，供 Eino 编排的 agent 直接调用
type einoTool struct {
	svc *Service
}

// NewEinoTool 创建 Eino 工具
func NewEinoTool(svc *Service) tool.InvokableTool {
	return &einoTool{svc: svc}
}

// Info 参数 schema 带默认值，MCP 注册与 Eino 编排共用
func (t *einoTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	spec := ToolSpecs()[0]
	props := orderedmap.New[string, *jsonschema.Schema]()
	for _, p := range spec.Params {
		dt := schema.String
		if p.Type == "boolean" {
			dt = schema.Boolean
		}
		props.Set(p.Name, &jsonschema.Schema{Type: string(dt), Description: p.Description, Default: p.Default})
	}
	params := &jsonschema.Schema{
		Type:       string(schema.Object),
		Properties: props,
	}
	return &schema.ToolInfo{
		Name:        spec.Name,
		Desc:        spec.Description,
		ParamsOneOf: schema.NewParamsOneOfByJSONSchema(params),
	}, nil
}

// InvokableRun 入参为 JSON 对象；空串视为无参数。返回结果的文本部分，错误结果以 error 返回
func (t *einoTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	args := map[string]any{}
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
			return "", fmt.Errorf("decode %s arguments: %w", ToolName, err)
		}
	}
	res := t.svc.CallTool(ctx, ToolName, args)
	if res.IsError {
		return "", errors.New(res.Text())
	}
	return res.Text(), nil
}
