// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供网关测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertNoError / AssertError / AssertContains / AssertJSONEqual
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON
  - 基准辅助: BenchmarkHelper 封装 testing.B 常用操作

# 使用示例

	ctx := testutil.TestContext(t)
	testutil.AssertEventuallyTrue(t, func() bool { return !cb.IsOpen(ctx, providerID) }, time.Second)
*/
package testutil
