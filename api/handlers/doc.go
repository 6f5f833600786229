// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供网关 HTTP API 的请求处理器实现。

# 概述

handlers 包实现了网关所有 HTTP 端点的请求处理逻辑，包括四种入站方言的
代理转发、Provider/Key 管理以及健康检查。所有 Handler 均遵循标准
net/http 接口。

# 核心类型

  - GatewayHandler      — 四种入站方言（Anthropic/OpenAI/Responses/Gemini）的代理入口，委托给 pipeline.Pipeline
  - ProviderAdminHandler — Provider 与租户 API Key 的管理 CRUD
  - HealthHandler        — 服务健康检查（/health, /healthz, /ready）
  - Response             — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo            — 结构化错误信息，含 code、message、retryable 标记

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（大小限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - SSE 透传：GatewayHandler.serve 在 resp.Stream 为真时逐块 flush
*/
package handlers
