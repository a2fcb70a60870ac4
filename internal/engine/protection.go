// =============================================================================
// 文件: internal/engine/protection.go
// 描述: 速率调度引擎 - 发送保护 (RTS 引用计数)
// =============================================================================
package engine

import "fmt"

// TxProtection 开启或关闭 RTS 保护，计数从 0 变化时修改命令并重新下发
func (e *Engine) TxProtection(ls *LinkState, enable bool) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	defer e.publish(ls)

	if enable {
		if ls.txProtection == 0 {
			ls.lq.RTS = true
		}
		ls.txProtection++
	} else {
		if ls.txProtection == 0 {
			return fmt.Errorf("[%s] %w", ls.peer, ErrProtectionUnderflow)
		}
		ls.txProtection--
		if ls.txProtection == 0 {
			ls.lq.RTS = false
		}
	}

	if !ls.initialized {
		return nil
	}
	e.log(2, "[%s] 发送保护计数 %d", ls.peer, ls.txProtection)
	e.sendLQ(ls, "protection")
	return nil
}
