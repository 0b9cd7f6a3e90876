/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lordkingpriest/problemsolver/internal/apierror"
)

// GetDeposit exposes a stored raw deposit by its source transaction id.
// Operators use it to check whether an on-chain transfer has been picked
// up and whether it has been matched yet.
func (a Api) GetDeposit(c *gin.Context) {
	txID, passed := c.Params.Get("tx_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tx_id is required. pass tx_id in the route /:tx_id"})
		return
	}

	resp, err := a.service.GetDepositByTxID(c.Request.Context(), txID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
