package service

import (
	"context"
	"sync"
)

// 取消令牌注册表（jobID -> cancelFunc）。一任务一令牌，
// 执行器在可取消的子步骤之间检查 ctx 是否已被取消。
var jobCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

// RegisterJobCancel 任务开始执行时注册 cancelFunc
func RegisterJobCancel(jobID string, cancel context.CancelFunc) {
	jobCancelRegistry.Lock()
	defer jobCancelRegistry.Unlock()
	jobCancelRegistry.m[jobID] = cancel
}

// UnregisterJobCancel 任务结束（无论结局）时注销
func UnregisterJobCancel(jobID string) {
	jobCancelRegistry.Lock()
	defer jobCancelRegistry.Unlock()
	delete(jobCancelRegistry.m, jobID)
}

// SignalJobCancel 请求取消正在执行的任务，返回是否找到了令牌。
// 取消是协作式的：执行器在下一个检查点退出，已产出的资产保留。
func SignalJobCancel(jobID string) bool {
	jobCancelRegistry.Lock()
	defer jobCancelRegistry.Unlock()
	if cancel, ok := jobCancelRegistry.m[jobID]; ok {
		cancel()
		delete(jobCancelRegistry.m, jobID)
		return true
	}
	return false
}
