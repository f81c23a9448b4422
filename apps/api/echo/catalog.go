package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/registry"
)

type (
	catalogAPI struct {
		svc      *registry.Service
		validate *validator.Validate
	}

	resourcesResponse struct {
		Resources []registry.Resource `json:"resources"`
	}

	mutateRequest struct {
		ResourceID string `json:"resourceId" validate:"required,notblank"`
	}

	mutateResponse struct {
		Success bool `json:"success"`
	}

	policyRequest struct {
		PolicyMode string `json:"policyMode" validate:"required,policymode"`
	}
)

func registerCatalogAPI(app *echo.Echo, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := catalogAPI{svc: deps.RegistrySvc, validate: deps.Validate}

	app.GET("/resources", api.handleListResources, jwt, adminMiddleware)

	tg := app.Group("/tenants/:"+tenantParam, jwt, tenantMiddleware)
	tg.GET("", api.handleGetTenant)
	tg.POST("/resources/grant", api.handleGrant)
	tg.POST("/resources/revoke", api.handleRevoke)
	tg.PUT("/policy", api.handleSetPolicy, adminMiddleware)
}

func (api catalogAPI) handleListResources(ctx echo.Context) error {
	var filter registry.QueryFilter
	if err := ctx.Bind(&filter); err != nil {
		return err
	}
	filter.Clean()
	if filter.Scope != registry.ScopeAdminAll {
		return errBadScope
	}

	resources, err := api.svc.QueryResources(ctx.Request().Context(), filter)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, resourcesResponse{Resources: resources})
}

func (api catalogAPI) handleGetTenant(ctx echo.Context) error {
	state, err := api.svc.TenantState(ctx.Request().Context(), ctx.Param(tenantParam))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, state)
}

func (api catalogAPI) bindMutation(ctx echo.Context) (string, error) {
	var req mutateRequest
	if err := ctx.Bind(&req); err != nil {
		return "", err
	}
	req.ResourceID = core.CleanString(req.ResourceID)
	if err := api.validate.Struct(req); err != nil {
		return "", err
	}
	return req.ResourceID, nil
}

func (api catalogAPI) handleGrant(ctx echo.Context) error {
	id, err := api.bindMutation(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Grant(ctx.Request().Context(), ctx.Param(tenantParam), id); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, mutateResponse{Success: true})
}

func (api catalogAPI) handleRevoke(ctx echo.Context) error {
	id, err := api.bindMutation(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Revoke(ctx.Request().Context(), ctx.Param(tenantParam), id); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, mutateResponse{Success: true})
}

func (api catalogAPI) handleSetPolicy(ctx echo.Context) error {
	var req policyRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	if err := api.validate.Struct(req); err != nil {
		return err
	}
	tnt, err := api.svc.SetPolicyMode(ctx.Request().Context(), ctx.Param(tenantParam), req.PolicyMode)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tnt)
}
