// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供网关的全局共享领域模型。

# 概述

types 是网关最底层的公共包，不依赖任何内部包，为 selector、breaker、
session、quota、forwarder、dialect、api 等上层模块提供统一的类型契约。
持久化实体（User、Key、Provider、ProviderVendor、ProviderEndpoint、
MessageRequest、ModelPrice、ErrorRule、RequestFilter、SensitiveWord、
SystemSetting、NotificationSetting、WebhookTarget）均以 GORM 模型定义于此，
全部启用软删除（DeletedAt + 过滤 deleted_at IS NULL 的部分索引）。

# 核心类型

  - User / APIKey          — 租户身份与配额窗口
  - ProviderVendor / ProviderEndpoint — 供应商与其多端点
  - Provider                — 选择器可见的逻辑单元（优先级/权重/配额/熔断调参）
  - MessageRequest          — 每次请求唯一的权威用量行
  - ProviderChainItem       — 决策日志条目，序列化进 MessageRequest.ProviderChain
  - ErrorRule / RequestFilter / SensitiveWord — 请求守卫规则
  - ModelPrice              — 分层计价表
  - Error / ErrorCode       — 结构化错误体系，含 HTTP 状态码、Retryable 标记

# 主要能力

  - 错误工具链：NewError / WithCause / WithHTTPStatus / WithRetryable / WithProvider
  - GORM AutoMigrate 模型集合：AllModels()
*/
package types
