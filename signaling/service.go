/*
 * Copyright 2017 Kopano and its licensors
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

package signaling

// Service is an interface for services providing information about activity.
type Service interface {
	NumActive() uint64
}

// Services is a defined collection of services which handle activity.
type Services struct {
	ConnectionManager Service
	CallManager       Service
}

// Services returns all active services of the accociated Services as iterable.
func (services *Services) Services() []Service {
	s := make([]Service, 0)

	if services.ConnectionManager != nil {
		s = append(s, services.ConnectionManager)
	}
	if services.CallManager != nil {
		s = append(s, services.CallManager)
	}

	return s
}

// NumActive returns the sum of active things of all services.
func (services *Services) NumActive() (active uint64) {
	for _, service := range services.Services() {
		active = active + service.NumActive()
	}

	return active
}
