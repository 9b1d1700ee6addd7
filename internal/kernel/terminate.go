// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// terminateVat kills a vat. Every promise it decides is rejected with
// "vat terminated", and its state is queued for cleanup. 'reject' and
// 'info' describe why, for the log. A critical vat takes the kernel down
// with it.
func (k *Kernel) terminateVat(vatID core.VatID, reject bool, info core.CapData) {
	critical := false
	if k.keeper.VatIsAlive(vatID) {
		vk := k.keeper.ProvideVatKeeper(vatID)
		opts := vk.GetOptions()
		critical = opts.Critical
		dead := k.keeper.EnumeratePromisesByDecider(vatID)
		k.keeper.DeleteVatID(vatID)
		k.keeper.MarkVatAsTerminated(vatID)
		errData := core.MakeError("vat terminated")
		for _, kpid := range dead {
			k.resolveToError(kpid, errData, vatID)
		}
		delete(k.vats, vatID)
		if reject {
			log.Errorf("terminated vat %s (%s): %s", vatID, opts.Name, info.Body)
		} else {
			log.Infof("vat %s (%s) exited: %s", vatID, opts.Name, info.Body)
		}
		mVatsTerminated.Inc()
	}
	if critical {
		k.setPanic(core.ErrKernelPanic.Errorf("critical vat %s failed", vatID))
	}
}
