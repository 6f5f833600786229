// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 middleware 提供请求转发前的守卫链：敏感词拦截、请求过滤规则改写、
错误规则分类，以及一套通用的 Handler / Middleware 函数式组合机制。

# 概述

Guard 在请求转发前按顺序执行敏感词扫描（可直接拦截请求）与优先级排序
的请求过滤规则（改写 header/body），并为转发失败分类提供可配置的错误
规则匹配。三类规则均从数据库加载并编译缓存，变更通过 Redis pub/sub
广播使各进程失效重载。

# 核心类型

  - Guard：编译并持有敏感词 / 请求过滤 / 错误规则三类缓存，提供
    CheckSensitiveWords / ApplyFilters / ClassifyErrorBody。
  - RuleSource：规则加载接口，解耦 Guard 与具体持久化实现。
  - Chain / Handler / Middleware：通用中间件组合机制，用于日志、超时、
    重试等横切逻辑。

# 主要能力

  - 敏感词拦截：CheckSensitiveWords 对拉平后的消息文本做 contains /
    exact / regex 匹配，命中即拦截。
  - 请求过滤：ApplyFilters 按 Priority 顺序对 header/body 执行
    remove / set / json_path / text_replace。
  - 错误分类：ClassifyErrorBody 将上游错误体映射为稳定的客户端错误
    类别，支持响应体与状态码覆盖。
  - 规则热更新：Reload 从 RuleSource 重新编译；Listen 订阅
    RulesInvalidateChannel 在任意进程的规则写操作后自动刷新。
*/
package middleware
