/*
 * Copyright 2019 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/server"
)

// logPresenter shows incoming call notices in the log.
type logPresenter struct {
	logger logrus.FieldLogger
}

func newLogPresenter(logger logrus.FieldLogger) *logPresenter {
	return &logPresenter{
		logger: logger.WithField("presenter", "log"),
	}
}

func (p *logPresenter) NotifyIncomingCall(data *api.RTMDataIncomingCall) {
	var caller string
	if data.Caller != nil {
		caller = data.Caller.Name()
	}
	p.logger.WithFields(logrus.Fields{
		"caller":  caller,
		"room_id": data.RoomID,
	}).Warnf("incoming call, POST %s/call/accept or %s/call/reject", server.URIPrefix, server.URIPrefix)
}

func (p *logPresenter) HideIncomingCallNotice() {
	p.logger.Infoln("incoming call notice hidden")
}
